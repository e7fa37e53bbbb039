package audit

import (
	"fmt"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
)

// Error reports a failed audit for one device and URL.
type Error struct {
	Device analysis.Device
	URL    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s audit of %s: %v", e.Device, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
