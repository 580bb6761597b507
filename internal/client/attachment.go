package client

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MaxAttachment matches the server's default upload limit.
const MaxAttachment = 10 << 20

// Attachment is an image read into memory for one request.
type Attachment struct {
	Name string
	Data []byte
}

// LoadAttachment reads the file at path. An empty path yields nil and no
// error so optional flags can be passed straight through.
func LoadAttachment(path string) (*Attachment, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("Cannot read image %s.", path), Err: err}
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, MaxAttachment+1))
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("Cannot read image %s.", path), Err: err}
	}
	if len(data) > MaxAttachment {
		return nil, &ValidationError{Message: "Image is larger than 10 MiB."}
	}
	if len(data) == 0 {
		return nil, &ValidationError{Message: "Image file is empty."}
	}
	return &Attachment{Name: filepath.Base(path), Data: data}, nil
}
