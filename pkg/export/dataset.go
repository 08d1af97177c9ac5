package export

// Dataset defines tabular export content. Every row holds one cell per header.
type Dataset struct {
	Title   string
	Headers []string
	Rows    [][]string
}

// Renderer turns a dataset into a file body.
type Renderer interface {
	Render(data Dataset) ([]byte, error)
	Extension() string
}
