package interfaces

// TransformService provides HTML conversion for email bodies
type TransformService interface {
	// HTMLToMarkdown converts HTML content to markdown
	// baseURL is used for resolving relative links
	HTMLToMarkdown(html string, baseURL string) (string, error)

	// HTMLToText strips markup and returns readable plain text
	HTMLToText(html string) (string, error)

	// ValidateHTML checks if the input looks like valid HTML
	ValidateHTML(content string) error
}
