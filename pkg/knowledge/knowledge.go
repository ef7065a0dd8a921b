// Package knowledge holds curated containerization guidance snippets
// matched to a repository by regex, so generation prompts carry only the
// advice that applies.
package knowledge

import (
	"regexp"
	"sort"

	"github.com/rs/zerolog/log"
)

// Snippet is one piece of guidance with the patterns that activate it
type Snippet struct {
	ID       string   `json:"id"`
	Patterns []string `json:"patterns"`
	Text     string   `json:"text"`
	Weight   int      `json:"weight,omitempty"`
}

// Base is a compiled snippet collection
type Base struct {
	snippets []Snippet
	compiled map[string][]*regexp.Regexp
}

// NewBase compiles a snippet collection. Snippets with invalid patterns
// are dropped with a warning rather than failing the whole base.
func NewBase(snippets []Snippet) *Base {
	b := &Base{compiled: make(map[string][]*regexp.Regexp)}

	for _, s := range snippets {
		var regexps []*regexp.Regexp
		ok := true
		for _, pattern := range s.Patterns {
			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				log.Warn().Str("snippet", s.ID).Str("pattern", pattern).Err(err).Msg("Invalid knowledge pattern, snippet dropped")
				ok = false
				break
			}
			regexps = append(regexps, re)
		}
		if ok {
			b.snippets = append(b.snippets, s)
			b.compiled[s.ID] = regexps
		}
	}

	return b
}

// Default returns the built-in containerization knowledge base
func Default() *Base {
	return NewBase(builtin)
}

// Match returns the texts of every snippet whose patterns all match the
// query, highest weight first.
func (b *Base) Match(query string) []string {
	var matched []Snippet

	for _, s := range b.snippets {
		all := true
		for _, re := range b.compiled[s.ID] {
			if !re.MatchString(query) {
				all = false
				break
			}
		}
		if all && len(b.compiled[s.ID]) > 0 {
			matched = append(matched, s)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Weight > matched[j].Weight
	})

	texts := make([]string, len(matched))
	for i, s := range matched {
		texts[i] = s.Text
	}
	return texts
}

// Count returns the number of usable snippets
func (b *Base) Count() int {
	return len(b.snippets)
}

var builtin = []Snippet{
	{
		ID:       "go-multistage",
		Patterns: []string{`\bgo\b`},
		Weight:   10,
		Text:     "Build Go binaries with CGO_ENABLED=0 in a builder stage and copy the static binary into a distroless or scratch final stage.",
	},
	{
		ID:       "node-prod-install",
		Patterns: []string{`javascript|typescript|node`},
		Weight:   10,
		Text:     "Run npm ci --omit=dev in the final stage and copy only package.json, the lockfile, and built output; never copy node_modules from the host.",
	},
	{
		ID:       "java-layered-jar",
		Patterns: []string{`java`},
		Weight:   10,
		Text:     "Use a JDK image for the build stage and a JRE image for runtime; for Spring Boot extract layers with jarmode=layertools for better caching.",
	},
	{
		ID:       "python-slim",
		Patterns: []string{`python`},
		Weight:   10,
		Text:     "Base on a slim Python image, install dependencies with --no-cache-dir before copying source, and run under a WSGI server rather than the dev server.",
	},
	{
		ID:       "nonroot-user",
		Patterns: []string{`.`},
		Weight:   5,
		Text:     "Create a dedicated non-root user and switch to it with USER before the entrypoint.",
	},
	{
		ID:       "healthcheck",
		Patterns: []string{`gin|echo|express|fastify|flask|fastapi|spring`},
		Weight:   3,
		Text:     "Expose the service port and add a HEALTHCHECK instruction probing the health endpoint.",
	},
	{
		ID:       "dockerignore",
		Patterns: []string{`.`},
		Weight:   1,
		Text:     "Keep the build context small with a .dockerignore covering VCS metadata, local build artifacts, and dependency caches.",
	},
}
