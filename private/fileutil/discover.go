// Package fileutil implements archive discovery and packaging helpers for
// directories managed by LANraragi-compatible downloaders.
package fileutil

import (
	"archive/zip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the default fileutil errs class.
var Error = errs.Class("fileutil")

// allowedExtensions are the file extensions LANraragi accepts as archives.
var allowedExtensions = map[string]bool{
	"zip":  true,
	"rar":  true,
	"lzma": true,
	"7z":   true,
	"xz":   true,
	"cbz":  true,
	"cbr":  true,
	"pdf":  true,
}

// IsArchiveFile reports whether the file name carries an allowed archive
// extension.
func IsArchiveFile(name string) bool {
	if strings.HasSuffix(strings.ToLower(name), ".tar.gz") {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	return allowedExtensions[ext[1:]]
}

// FindArchives recursively finds all files under root with a qualifying
// archive extension.
func FindArchives(root string) ([]string, error) {
	var archives []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if IsArchiveFile(entry.Name()) {
			archives = append(archives, path)
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return archives, nil
}

// FindLeafFolders recursively finds all folders under root that contain no
// further folders.
func FindLeafFolders(root string) ([]string, error) {
	var leafs []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() || path == root {
			return nil
		}
		children, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.IsDir() {
				return nil
			}
		}
		leafs = append(leafs, path)
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return leafs, nil
}

// ZipFolder packages the files directly inside src into a zip file at dst.
// Subdirectories are not descended into; a leaf folder has none.
func ZipFolder(src, dst string) (err error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return Error.Wrap(err)
	}

	file, err := os.Create(dst)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, file.Close()) }()

	writer := zip.NewWriter(file)
	defer func() { err = errs.Combine(err, writer.Close()) }()

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := addFileToZip(writer, filepath.Join(src, entry.Name()), entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func addFileToZip(writer *zip.Writer, path, name string) (err error) {
	reader, err := os.Open(path)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, reader.Close()) }()

	member, err := writer.Create(name)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = io.Copy(member, reader)
	return Error.Wrap(err)
}
