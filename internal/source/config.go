package source

// Config is the static configuration of one source type as loaded from the
// "sources" section of the config file.
type Config struct {
	// Enabled defaults to true when omitted.
	Enabled      *bool  `mapstructure:"enabled"`
	SourceHostID string `mapstructure:"source_host_id"`
	// SearchDomain restricts discovery queries (site:<domain>). Required.
	SearchDomain string `mapstructure:"search_domain"`
	// DetailURLRegex matches job detail pages. Required. Its capture groups
	// feed job ID and company extraction.
	DetailURLRegex string          `mapstructure:"detail_url_regex"`
	IDParams       []string        `mapstructure:"id_params"`
	PathIDPattern  string          `mapstructure:"path_id_pattern"`
	HTMLID         []HTMLIDConfig  `mapstructure:"html_id"`
	Selectors      SelectorsConfig `mapstructure:"selectors"`
	Rewrites       []RewriteConfig `mapstructure:"rewrites"`
	// Render is one of never, auto or always. Empty means never.
	Render   string   `mapstructure:"render"`
	Keywords []string `mapstructure:"keywords"`
}

// HTMLIDConfig locates an identifier embedded in the page.
type HTMLIDConfig struct {
	Selector string `mapstructure:"selector"`
	Attr     string `mapstructure:"attr"`
}

// SelectorsConfig holds ordered CSS selectors per metadata field.
type SelectorsConfig struct {
	Title       []string `mapstructure:"title"`
	Company     []string `mapstructure:"company"`
	Location    []string `mapstructure:"location"`
	PostingDate []string `mapstructure:"posting_date"`
}

// RewriteConfig is a regex replacement applied to raw URLs before
// canonicalization, e.g. to fold embed or apply URLs onto the detail page.
type RewriteConfig struct {
	Match   string `mapstructure:"match"`
	Replace string `mapstructure:"replace"`
}
