// Package selectors maps logical UI roles to ordered candidate selector
// expressions and resolves them against an unstable DOM. The target
// application is not ours; candidate order encodes how much we trust each
// guess, and the first match always wins.
package selectors

// Role names a logical piece of the target application's UI.
type Role string

const (
	RolePromptField   Role = "prompt_field"
	RoleFileInput     Role = "file_input"
	RoleShareLink     Role = "share_link"
	RoleDownloadLink  Role = "download_link"
	RoleSaveContainer Role = "save_container"
)

// Catalog is the static role → candidates mapping. An unknown role yields an
// empty candidate list; resolution against it fails fast rather than waiting.
type Catalog struct {
	roles map[Role][]string
}

// DefaultCatalog carries the known shapes of the target studio's UI, best
// guess first. These are heuristics against a page we do not control; when
// the studio ships a redesign the config override is the first resort.
func DefaultCatalog() *Catalog {
	return &Catalog{roles: map[Role][]string{
		RolePromptField: {
			`textarea[data-testid="prompt-input"]`,
			`textarea[placeholder*="Describe"]`,
			`textarea[placeholder*="prompt"]`,
			`textarea`,
		},
		RoleFileInput: {
			`input[type="file"][accept*="video"]`,
			`input[type="file"][accept*="image"]`,
			`input[type="file"]`,
		},
		RoleShareLink: {
			`a[data-testid="share-link"]`,
			`a[href*="/share/"]`,
			`button[data-share-url]`,
			`div.share-panel a`,
		},
		RoleDownloadLink: {
			`a[data-testid="download-link"]`,
			`a[href*="/download/"]`,
			`button[data-download-url]`,
		},
		RoleSaveContainer: {
			`div.result-toolbar`,
			`div.generation-actions`,
			`main`,
			`body`,
		},
	}}
}

// NewCatalog builds a catalog from the defaults plus per-role overrides
// (typically from config). An override replaces the role's whole list so the
// operator controls priority, not just membership.
func NewCatalog(overrides map[string][]string) *Catalog {
	c := DefaultCatalog()
	for role, candidates := range overrides {
		if len(candidates) == 0 {
			continue
		}
		c.roles[Role(role)] = append([]string(nil), candidates...)
	}
	return c
}

// Candidates returns the role's ordered candidate list; empty for unknown
// roles.
func (c *Catalog) Candidates(role Role) []string {
	return append([]string(nil), c.roles[role]...)
}
