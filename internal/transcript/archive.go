package transcript

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// ArchiveSuffix is appended to a transcript path once compressed.
const ArchiveSuffix = ".zst"

// Archive compresses the transcript at path to path+".zst" and removes the
// original. Returns the archive path.
func Archive(path string) (string, error) {
	destPath := path + ArchiveSuffix

	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer dest.Close()

	encoder, err := zstd.NewWriter(dest)
	if err != nil {
		return "", fmt.Errorf("create zstd encoder: %w", err)
	}

	if _, err := io.Copy(encoder, src); err != nil {
		encoder.Close()
		return "", fmt.Errorf("compress: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return "", fmt.Errorf("finalize compression: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("remove source: %w", err)
	}
	return destPath, nil
}

// ReadArchive decompresses an archived transcript.
func ReadArchive(archivePath string) ([]byte, error) {
	src, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer src.Close()

	decoder, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer decoder.Close()

	data, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return data, nil
}
