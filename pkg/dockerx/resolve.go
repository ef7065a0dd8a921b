package dockerx

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// BaseImagePair is the build and runtime base images for a language
type BaseImagePair struct {
	Build   string `json:"build"`
	Runtime string `json:"runtime"`
}

// catalogEntry lists the supported versions of a language's base images,
// newest resolvable by semver ranking.
type catalogEntry struct {
	buildRepo   string
	runtimeRepo string
	// runtimeFixed overrides the runtime repo:version scheme entirely.
	runtimeFixed string
	versions     []string
}

var catalog = map[string]catalogEntry{
	"go": {
		buildRepo:    "golang",
		runtimeFixed: "gcr.io/distroless/static-debian12:nonroot",
		versions:     []string{"1.22", "1.23", "1.24"},
	},
	"javascript": {
		buildRepo:   "node",
		runtimeRepo: "node",
		versions:    []string{"18", "20", "22"},
	},
	"typescript": {
		buildRepo:   "node",
		runtimeRepo: "node",
		versions:    []string{"18", "20", "22"},
	},
	"python": {
		buildRepo:   "python",
		runtimeRepo: "python",
		versions:    []string{"3.10", "3.11", "3.12"},
	},
	"java": {
		buildRepo:   "eclipse-temurin",
		runtimeRepo: "eclipse-temurin",
		versions:    []string{"11", "17", "21"},
	},
	"rust": {
		buildRepo:    "rust",
		runtimeFixed: "gcr.io/distroless/cc-debian12:nonroot",
		versions:     []string{"1.77", "1.79", "1.81"},
	},
}

// ResolveBaseImages picks build and runtime base images for a language.
// A non-empty versionHint constrains the choice (semver caret semantics);
// otherwise the newest catalog version wins.
func ResolveBaseImages(language, versionHint string) (*BaseImagePair, error) {
	entry, ok := catalog[strings.ToLower(language)]
	if !ok {
		return nil, fmt.Errorf("no base images known for language %q", language)
	}

	version, err := pickVersion(entry.versions, versionHint)
	if err != nil {
		return nil, fmt.Errorf("no %s base image satisfies %q: %w", language, versionHint, err)
	}

	pair := &BaseImagePair{
		Build: fmt.Sprintf("%s:%s", entry.buildRepo, version),
	}
	if entry.runtimeFixed != "" {
		pair.Runtime = entry.runtimeFixed
	} else {
		pair.Runtime = fmt.Sprintf("%s:%s-slim", entry.runtimeRepo, version)
	}

	return pair, nil
}

// pickVersion ranks the catalog versions by semver and returns the
// highest one compatible with the hint.
func pickVersion(versions []string, hint string) (string, error) {
	parsed := make([]*semver.Version, 0, len(versions))
	byParsed := map[*semver.Version]string{}

	for _, raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		parsed = append(parsed, v)
		byParsed[v] = raw
	}
	if len(parsed) == 0 {
		return "", fmt.Errorf("catalog holds no parseable versions")
	}

	sort.Sort(sort.Reverse(semver.Collection(parsed)))

	if hint == "" {
		return byParsed[parsed[0]], nil
	}

	constraint, err := semver.NewConstraint("^" + strings.TrimLeft(hint, "^>=~v "))
	if err != nil {
		return "", fmt.Errorf("invalid version hint: %w", err)
	}

	for _, v := range parsed {
		if constraint.Check(v) {
			return byParsed[v], nil
		}
	}

	return "", fmt.Errorf("no catalog version matches")
}
