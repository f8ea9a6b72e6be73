package batch

import "github.com/pkg/browser"

// Opener shows a finished document to the user.
type Opener interface {
	Open(path string) error
}

// BrowserOpener hands the file to the desktop's default application.
type BrowserOpener struct{}

func (BrowserOpener) Open(path string) error {
	return browser.OpenFile(path)
}

type OpenerFunc func(path string) error

func (f OpenerFunc) Open(path string) error {
	return f(path)
}
