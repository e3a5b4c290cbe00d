//go:build !dlib

package encoding

import (
	"fmt"

	"github.com/kozaktomas/facegate/internal/faceerr"
)

// NewDlib reports that the binary was built without dlib support.
// Rebuild with -tags dlib to enable the go-face recognizer.
func NewDlib(string) (Embedder, error) {
	return nil, fmt.Errorf("%w: built without dlib support", faceerr.ErrModelLoad)
}
