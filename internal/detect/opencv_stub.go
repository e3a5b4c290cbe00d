//go:build !opencv

package detect

import (
	"fmt"

	"github.com/kozaktomas/facegate/internal/faceerr"
)

// NewOpenCV reports that the binary was built without OpenCV support.
// Rebuild with -tags opencv to enable the Haar cascade backend.
func NewOpenCV(Config) (Detector, error) {
	return nil, fmt.Errorf("%w: built without opencv support", faceerr.ErrModelLoad)
}
