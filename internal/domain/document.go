// Package domain holds the types shared by the indexing and retrieval
// pipeline, plus its error taxonomy.
package domain

// Page is the extracted text of one document page. Number is 1-based.
type Page struct {
	Number int
	Text   string
}

// Document is a loaded source file. ID is the path as given by the caller
// and becomes the source tag of every record indexed from it.
type Document struct {
	ID    string
	Pages []Page
}

// Chunk is a bounded slice of one page of a document.
type Chunk struct {
	Text     string
	Source   string
	Page     int
	Position int // sequence index across the whole document
}
