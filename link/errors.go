package link

import "errors"

// ErrNotOpen is returned by operations that require an open port when none
// is open.
var ErrNotOpen = errors.New("link: port not open")
