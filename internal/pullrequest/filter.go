package pullrequest

import "strings"

// DefaultAllowedBots are bot authors whose review comments are worth
// feeding back to a developer. Everything else matching the bot heuristic
// is noise (CI chatter, changelog bots).
var DefaultAllowedBots = []string{
	"sonarcloud[bot]",
	"codecov[bot]",
	"coderabbitai[bot]",
	"deepsource[bot]",
}

// knownBotNames are authors that don't match the name heuristic but are
// known to be automated.
var knownBotNames = []string{
	"dependabot",
	"renovate",
	"greenkeeper",
}

// FilterOptions controls comment filtering.
type FilterOptions struct {
	// ExcludeAuthor drops comments written by the PR author themselves.
	ExcludeAuthor bool

	// AllowedBots is the allowlist applied to bot authors. Nil means
	// DefaultAllowedBots.
	AllowedBots []string
}

// DefaultFilterOptions returns the planner's default filtering behavior.
func DefaultFilterOptions() *FilterOptions {
	return &FilterOptions{
		ExcludeAuthor: true,
		AllowedBots:   DefaultAllowedBots,
	}
}

// FilterComments returns the comments worth processing as feedback.
// A comment is retained iff its author differs from prAuthor (when
// ExcludeAuthor), and, when the author looks like a bot, the author is on
// the allowlist. Bot detection is heuristic and purely by author name.
func FilterComments(comments []Comment, prAuthor string, opts *FilterOptions) []Comment {
	if opts == nil {
		opts = DefaultFilterOptions()
	}
	allowed := opts.AllowedBots
	if allowed == nil {
		allowed = DefaultAllowedBots
	}

	var filtered []Comment
	for _, c := range comments {
		if opts.ExcludeAuthor && strings.EqualFold(c.Author, prAuthor) {
			continue
		}
		if IsBotAuthor(c.Author) && !onAllowlist(c.Author, allowed) {
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered
}

// IsBotAuthor reports whether an author name matches the bot heuristic:
// a "[bot]" suffix, a "bot" substring, or a known bot name.
func IsBotAuthor(author string) bool {
	lower := strings.ToLower(author)
	if strings.HasSuffix(lower, "[bot]") {
		return true
	}
	if strings.Contains(lower, "bot") {
		return true
	}
	for _, name := range knownBotNames {
		if strings.Contains(lower, name) {
			return true
		}
	}
	return false
}

func onAllowlist(author string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(author, a) {
			return true
		}
	}
	return false
}
