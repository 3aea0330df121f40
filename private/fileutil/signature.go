package fileutil

import (
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// SignatureLength is how many leading bytes are read as the candidate
// signature of an archive file.
const SignatureLength = 24

// allowedSignatures are the magic-byte prefixes of archive formats LANraragi
// accepts, lowercase hex.
var allowedSignatures = []string{
	// zip, cbz
	"504b0304",
	"504b0506",
	"504b0708",
	// rar, cbr
	"526172211a0700",
	"526172211a070100",
	// tar.gz
	"1f8b",
	// lzma, xz
	"fd377a585a00",
	// 7z
	"377abcaf271c",
	// pdf
	"255044462d",
}

// SignatureHex reads the first SignatureLength bytes of the file at path and
// returns them as lowercase hex. Shorter files yield a shorter signature.
func SignatureHex(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { _ = file.Close() }()

	buf := make([]byte, SignatureLength)
	n, err := io.ReadFull(file, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", Error.Wrap(err)
	}
	return hex.EncodeToString(buf[:n]), nil
}

// IsAllowedSignature reports whether the hex signature begins with the magic
// bytes of an allowed archive format.
func IsAllowedSignature(signature string) bool {
	signature = strings.ToLower(signature)
	for _, allowed := range allowedSignatures {
		if strings.HasPrefix(signature, allowed) {
			return true
		}
	}
	return false
}
