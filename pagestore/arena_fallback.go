//go:build !unix

package pagestore

import "github.com/shades-db/shades/word"

// mmapWords falls back to a plain heap slice on non-unix platforms. Not
// guaranteed page-aligned at the OS level, but functionally identical.
func mmapWords(nWords int) ([]word.Word, func() error, error) {
	return make([]word.Word, nWords), func() error { return nil }, nil
}
