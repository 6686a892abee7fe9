package jitterm

import (
	"io"

	"pkt.systems/jitterm/internal/tlsmgr"
)

// TLSExportCA writes the local CA certificate under dir to w, so clients
// on other hosts can trust an auto-mode server.
func TLSExportCA(dir string, w io.Writer) error {
	return tlsmgr.ExportCA(dir, w)
}
