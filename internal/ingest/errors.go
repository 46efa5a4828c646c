package ingest

import "errors"

// ErrStorage marks a failure to download the document's bytes from
// blob storage before extraction.
var ErrStorage = errors.New("storage fetch failed")
