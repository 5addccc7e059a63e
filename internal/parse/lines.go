package parse

import (
	"bufio"
	"bytes"
	"io"
	"os"
)

// tailChunk bounds how much of a file the tail reader loads.
const tailChunk = 256 * 1024

// ReadNewLines streams complete lines from the given byte offset and
// returns them with the offset of the first unconsumed byte. A trailing
// partial line (no newline yet) is not consumed — the next call picks it
// up once the writer finishes it. If the file shrank below the offset
// (truncation or rotation) the read rewinds to 0.
func ReadNewLines(path string, fromByte int64) ([][]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fromByte, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fromByte, err
	}
	if info.Size() < fromByte {
		fromByte = 0
	}

	if fromByte > 0 {
		if _, err := f.Seek(fromByte, io.SeekStart); err != nil {
			return nil, fromByte, err
		}
	}

	var lines [][]byte
	offset := fromByte
	reader := bufio.NewReader(f)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return lines, offset, err
		}
		if len(line) == 0 {
			break
		}
		if line[len(line)-1] != '\n' {
			// Incomplete final line; leave it for the next read.
			break
		}
		offset += int64(len(line))
		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) > 0 {
			lines = append(lines, trimmed)
		}
		if err == io.EOF {
			break
		}
	}

	return lines, offset, nil
}

// ReadFirstLines returns up to n leading lines of the file together with
// the byte offset just past them, so subsequent incremental reads see
// only newer content.
func ReadFirstLines(path string, n int) ([][]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var lines [][]byte
	var offset int64
	reader := bufio.NewReader(f)

	for len(lines) < n {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return lines, offset, err
		}
		if len(line) == 0 {
			break
		}
		if line[len(line)-1] != '\n' {
			break
		}
		offset += int64(len(line))
		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) > 0 {
			lines = append(lines, trimmed)
		}
		if err == io.EOF {
			break
		}
	}

	return lines, offset, nil
}

// ReadLastLines returns up to n trailing complete lines of the file,
// oldest first. Only the final tailChunk bytes are examined, which is
// plenty for the tail-scan window.
func ReadLastLines(path string, n int) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	start := int64(0)
	if info.Size() > tailChunk {
		start = info.Size() - tailChunk
	}
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return nil, err
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	raw := bytes.Split(data, []byte{'\n'})
	if start > 0 && len(raw) > 0 {
		// First slice is almost certainly a partial line.
		raw = raw[1:]
	}

	var lines [][]byte
	for _, line := range raw {
		trimmed := bytes.TrimRight(line, "\r")
		if len(trimmed) > 0 {
			lines = append(lines, trimmed)
		}
	}

	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
