// Package imageutil checks image files for truncation using byte-level EOF
// markers, without decoding pixel data.
package imageutil

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the default imageutil errs class.
var Error = errs.Class("imageutil")

var (
	jpegHeader  = []byte{0xFF, 0xD8}
	jpegTrailer = []byte{0xFF, 0xD9}
	pngHeader   = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}
	// IEND chunk type and CRC.
	pngTrailer = []byte{0x49, 0x45, 0x4E, 0x44, 0xAE, 0x42, 0x60, 0x82}
)

// IsIncomplete reports whether the image bytes are truncated. A zero-byte
// image is incomplete. Supported formats: JPEG, PNG.
func IsIncomplete(data []byte) (bool, error) {
	if len(data) == 0 {
		return true, nil
	}
	switch {
	case bytes.HasPrefix(data, jpegHeader):
		return !bytes.HasSuffix(data, jpegTrailer), nil
	case bytes.HasPrefix(data, pngHeader):
		return !bytes.HasSuffix(data, pngTrailer), nil
	default:
		return false, Error.New("not a JPEG or PNG file")
	}
}

// IsImageFile reports whether the file name carries a supported image
// extension.
func IsImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

// ArchiveContainsIncompleteImage reports whether the zip archive at path
// holds a truncated image. Archives in a non-zip format are reported as
// containing one, since they cannot be inspected.
func ArchiveContainsIncompleteImage(path string) (_ bool, err error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".cbz":
	default:
		return true, nil
	}

	reader, err := zip.OpenReader(path)
	if errors.Is(err, zip.ErrFormat) {
		// Not a readable zip at all, truncated or otherwise mangled.
		return true, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, reader.Close()) }()

	for _, member := range reader.File {
		if !IsImageFile(member.Name) {
			continue
		}
		data, err := readZipMember(member)
		if err != nil {
			return false, err
		}
		incomplete, err := IsIncomplete(data)
		if err != nil {
			return false, err
		}
		if incomplete {
			return true, nil
		}
	}
	return false, nil
}

func readZipMember(member *zip.File) (_ []byte, err error) {
	reader, err := member.Open()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, reader.Close()) }()

	data, err := io.ReadAll(reader)
	return data, Error.Wrap(err)
}
