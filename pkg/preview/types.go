package preview

// SiteMetadata is the preview service's response shape.
type SiteMetadata struct {
	URL          string `json:"url"`
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	ImageURL     string `json:"imageUrl,omitempty"`
	SiteName     string `json:"siteName,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// State is the lifecycle position of a message's preview entry.
type State string

const (
	// StateNone is terminal: no URL, or the URL is not allow-listed.
	StateNone     State = "none"
	StatePending  State = "pending"
	StateResolved State = "resolved"
	StateFailed   State = "failed"
)

// Entry is the preview side-table record for one message. Entries are keyed
// by message identifier, not URL: eligibility and content can change per
// message context.
type Entry struct {
	MessageSID   string
	SourceURL    string
	State        State
	Metadata     SiteMetadata
	IsError      bool
	ErrorMessage string
}

// BareError reports whether a failed entry carries no signal beyond the
// bare URL. Such entries render as a minimal "preview not available"
// notice; anything with partial fields is shown normally with the error
// flag annotated.
func (e Entry) BareError() bool {
	if !e.IsError {
		return false
	}
	m := e.Metadata
	titleBare := m.Title == "" || m.Title == e.SourceURL
	return titleBare && m.Description == "" && m.ImageURL == "" && m.SiteName == ""
}
