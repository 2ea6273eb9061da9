// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

package client

import (
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/hughsie/passim/internal/errs"
)

// readAllClose drains and closes r, for the Stream-as-non-*os.File case in
// ClientLibrary.Publish where the caller's reader can't be passed as a raw
// fd directly.
func readAllClose(r io.ReadCloser) ([]byte, error) {
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Wrap(errs.Io, err, "read stream content")
	}
	return data, nil
}

// sealedMemFile creates an anonymous, sealed memory file containing data
// and rewound to offset 0, falling back to an unlinked temp file when the
// kernel has no memfd_create (spec.md §4.5, §9 "Memory-file creation"). The
// caller owns the returned *os.File and is responsible for closing it.
func sealedMemFile(data []byte) (*os.File, error) {
	fd, err := unix.MemfdCreate("passim-publish", unix.MFD_ALLOW_SEALING)
	if err == nil {
		f := os.NewFile(uintptr(fd), "passim-publish-memfd")
		if _, werr := f.Write(data); werr != nil {
			f.Close()
			return nil, errs.Wrap(errs.Io, werr, "write memfd contents")
		}
		_, _ = unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS,
			unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_WRITE|unix.F_SEAL_SEAL)
		if _, serr := f.Seek(0, 0); serr != nil {
			f.Close()
			return nil, errs.Wrap(errs.Io, serr, "rewind memfd")
		}
		return f, nil
	}

	f, terr := os.CreateTemp("", "passim-publish-*")
	if terr != nil {
		return nil, errs.Wrap(errs.Io, terr, "create fallback temp file")
	}
	if _, werr := f.Write(data); werr != nil {
		f.Close()
		return nil, errs.Wrap(errs.Io, werr, "write fallback temp file")
	}
	if rerr := os.Remove(f.Name()); rerr != nil {
		f.Close()
		return nil, errs.Wrap(errs.Io, rerr, "unlink fallback temp file")
	}
	if _, serr := f.Seek(0, 0); serr != nil {
		f.Close()
		return nil, errs.Wrap(errs.Io, serr, "rewind fallback temp file")
	}
	return f, nil
}
