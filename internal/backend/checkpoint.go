package backend

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// zipMethodZstd is the ZIP compression method ID for Zstandard (APPNOTE 6.3.7).
const zipMethodZstd uint16 = 93

// legacyScanLimit bounds how much of a non-zip checkpoint is searched.
const legacyScanLimit = 1 << 20

var stateDictKey = []byte("state_dict")

// CheckpointInfo summarizes a weights file without deserializing tensors.
type CheckpointInfo struct {
	Path         string
	Archive      bool
	Entries      int
	HasStateDict bool
}

// InspectCheckpoint reports whether the checkpoint at path carries a
// state_dict entry. Zip checkpoints have their pickle record searched;
// legacy files have their head searched.
func InspectCheckpoint(path string) (CheckpointInfo, error) {
	info := CheckpointInfo{Path: path}
	file, err := os.Open(path) //nolint:gosec
	if err != nil {
		return info, fmt.Errorf("open checkpoint: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return info, fmt.Errorf("stat checkpoint: %w", err)
	}

	reader, err := zip.NewReader(file, stat.Size())
	if err != nil {
		if !errors.Is(err, zip.ErrFormat) {
			return info, fmt.Errorf("read checkpoint archive: %w", err)
		}
		found, err := scanHead(file)
		if err != nil {
			return info, err
		}
		info.HasStateDict = found
		return info, nil
	}
	reader.RegisterDecompressor(zipMethodZstd, zstd.ZipDecompressor())

	info.Archive = true
	info.Entries = len(reader.File)
	for _, entry := range reader.File {
		if !strings.HasSuffix(entry.Name, "data.pkl") {
			continue
		}
		found, err := scanEntry(entry)
		if err != nil {
			return info, err
		}
		if found {
			info.HasStateDict = true
			break
		}
	}
	return info, nil
}

func scanEntry(entry *zip.File) (bool, error) {
	rc, err := entry.Open()
	if err != nil {
		return false, fmt.Errorf("open %s: %w", entry.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", entry.Name, err)
	}
	return bytes.Contains(data, stateDictKey), nil
}

func scanHead(file *os.File) (bool, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("rewind checkpoint: %w", err)
	}
	head, err := io.ReadAll(io.LimitReader(file, legacyScanLimit))
	if err != nil {
		return false, fmt.Errorf("read checkpoint: %w", err)
	}
	return bytes.Contains(head, stateDictKey), nil
}
