// Package codec implements the off-thread yEnc decode/encode workers
// (spec §4.6): one decoder worker and one encoder worker, each shared
// by the whole Queue, publishing progress via *health.Progress and
// polling a context.Context for cooperative cancellation. The decode
// side is adapted from the teacher's internal/decoding/yenc.go
// (internal/codec_legacy after the move), generalized from a single
// io.Reader decode into the ordered-cached-parts-to-files pipeline
// spec §4.5's Article task needs; the encode side is new, grounded on
// original_source/pan/tasks/encoder.cc's chunk-then-yEnc-header shape.
package codec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pan2/engine/internal/health"
)

// ErrCancelled is returned when the task's context is done mid-decode
// or mid-encode.
var ErrCancelled = errors.New("codec: cancelled")

// yencDecoder streams yEnc-decoded bytes out of one cached part file,
// tracking the CRC the footer claims so the caller can check it with
// verify.
type yencDecoder struct {
	r           *bufio.Reader
	reachedEnd  bool
	escaped     bool
	crc         uint32
	sum         uint32
	expectedCRC uint32
	partOffset  int64
}

func newYencDecoder(r io.Reader) *yencDecoder {
	return &yencDecoder{r: bufio.NewReader(r), sum: crc32.IEEE}
}

func (d *yencDecoder) discardHeader() error {
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("yenc: no =ybegin header: %w", err)
		}
		if strings.HasPrefix(line, "=ybegin") {
			return d.handlePartHeader()
		}
	}
}

func (d *yencDecoder) handlePartHeader() error {
	peek, err := d.r.Peek(6)
	if err != nil || !strings.Contains(string(peek), "=ypart") {
		return nil
	}
	line, err := d.r.ReadString('\n')
	if err != nil {
		return err
	}
	for _, f := range strings.Fields(line) {
		if v, ok := strings.CutPrefix(f, "begin="); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				d.partOffset = n - 1 // yEnc offsets are 1-based
			}
		}
	}
	return nil
}

// decodeBody writes decoded bytes to w until the =yend footer, updating
// the running CRC, and records the footer's expected CRC for verify.
func (d *yencDecoder) decodeBody(w io.Writer) error {
	var crc uint32 = 0xFFFFFFFF
	buf := make([]byte, 0, 4096)

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		for _, b := range buf {
			crc = crc32.IEEETable[byte(crc)^b] ^ (crc >> 8)
		}
		_, err := w.Write(buf)
		buf = buf[:0]
		return err
	}

	for {
		b, err := d.r.ReadByte()
		if err != nil {
			if ferr := flush(); ferr != nil {
				return ferr
			}
			return fmt.Errorf("yenc: truncated body: %w", err)
		}

		if b == '=' && !d.escaped {
			peek, perr := d.r.Peek(4)
			if perr == nil && string(peek) == "yend" {
				if ferr := flush(); ferr != nil {
					return ferr
				}
				d.crc = crc ^ 0xFFFFFFFF
				return d.parseFooter()
			}
			d.escaped = true
			continue
		}

		if (b == '\r' || b == '\n') && !d.escaped {
			continue
		}

		var decoded byte
		if d.escaped {
			decoded = b - 64 - 42
			d.escaped = false
		} else {
			decoded = b - 42
		}
		buf = append(buf, decoded)
		if len(buf) == cap(buf) {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

func (d *yencDecoder) parseFooter() error {
	line, _ := d.r.ReadString('\n')
	for _, f := range strings.Fields(line) {
		if v, ok := strings.CutPrefix(f, "pcrc32="); ok {
			if crc, err := strconv.ParseUint(v, 16, 32); err == nil {
				d.expectedCRC = uint32(crc)
				return nil
			}
		}
		if v, ok := strings.CutPrefix(f, "crc32="); ok {
			if crc, err := strconv.ParseUint(v, 16, 32); err == nil {
				d.expectedCRC = uint32(crc)
			}
		}
	}
	return nil
}

func (d *yencDecoder) verify() error {
	if d.crc != d.expectedCRC {
		return fmt.Errorf("yenc: checksum mismatch: expected %08x, got %08x", d.expectedCRC, d.crc)
	}
	return nil
}

// DecodePartsToFile concatenates the yEnc-decoded bodies of partPaths
// (in order) into one file at destPath, verifying each part's CRC.
// progress is stepped once per part. ctx cancellation stops between
// parts, matching the original's "boolean flag polled inside the
// decode loop" (spec §4.6).
func DecodePartsToFile(ctx context.Context, partPaths []string, destPath string, progress *health.Progress) error {
	if progress != nil {
		progress.InitSteps(len(partPaths))
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("codec: create %s: %w", destPath, err)
	}
	defer out.Close()

	for i, p := range partPaths {
		select {
		case <-ctx.Done():
			return ErrCancelled
		default:
		}

		if err := decodeOnePart(p, out); err != nil {
			return fmt.Errorf("codec: part %d (%s): %w", i, p, err)
		}
		if progress != nil {
			progress.SetStep(i + 1)
		}
	}
	return nil
}

func decodeOnePart(path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	d := newYencDecoder(f)
	if err := d.discardHeader(); err != nil {
		return err
	}
	if err := d.decodeBody(out); err != nil {
		return err
	}
	return d.verify()
}

// --- encoder side -------------------------------------------------------

// EncodedPart is one yEnc-encoded chunk of a source file, sized to at
// most linesPerPart lines, ready to be handed to Session.Post.
type EncodedPart struct {
	Number int
	Of     int
	Body   []byte
	CRC32  uint32
}

const yencBytesPerLine = 128

// EncodeFile splits path into yEnc parts of at most linesPerPart lines
// each (spec §4.6 "encoder splits the file into yEnc parts"), labeling
// each part header with fileName and the overall file size/CRC.
func EncodeFile(ctx context.Context, path, fileName string, linesPerPart int, progress *health.Progress) ([]EncodedPart, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("codec: read %s: %w", path, err)
	}

	bytesPerPart := linesPerPart * yencBytesPerLine
	if bytesPerPart <= 0 {
		bytesPerPart = linesPerPart
	}
	total := len(data)
	partCount := (total + bytesPerPart - 1) / bytesPerPart
	if partCount == 0 {
		partCount = 1
	}

	fileCRC := crc32.ChecksumIEEE(data)

	if progress != nil {
		progress.InitSteps(partCount)
	}

	parts := make([]EncodedPart, 0, partCount)
	for i := 0; i < partCount; i++ {
		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		default:
		}

		start := i * bytesPerPart
		end := start + bytesPerPart
		if end > total {
			end = total
		}
		chunk := data[start:end]
		partCRC := crc32.ChecksumIEEE(chunk)

		var buf bytes.Buffer
		fmt.Fprintf(&buf, "=ybegin part=%d total=%d line=%d size=%d name=%s\r\n", i+1, partCount, yencBytesPerLine, total, fileName)
		if partCount > 1 {
			fmt.Fprintf(&buf, "=ypart begin=%d end=%d\r\n", start+1, end)
		}
		encodeLines(&buf, chunk, yencBytesPerLine)
		fmt.Fprintf(&buf, "=yend size=%d part=%d pcrc32=%08x", len(chunk), i+1, partCRC)
		if partCount > 1 {
			fmt.Fprintf(&buf, " crc32=%08x", fileCRC)
		}
		buf.WriteString("\r\n")

		parts = append(parts, EncodedPart{Number: i + 1, Of: partCount, Body: buf.Bytes(), CRC32: partCRC})
		if progress != nil {
			progress.SetStep(i + 1)
		}
	}
	return parts, nil
}

// encodeLines yEnc-encodes chunk (each byte +42 mod 256, escaping
// NUL/LF/CR/'=' and a leading '.'), wrapping at lineLen decoded bytes
// per output line.
func encodeLines(buf *bytes.Buffer, chunk []byte, lineLen int) {
	col := 0
	for i, b := range chunk {
		enc := b + 42
		if needsEscape(enc, col) {
			buf.WriteByte('=')
			enc += 64
		}
		buf.WriteByte(enc)
		col++
		if col >= lineLen || i == len(chunk)-1 {
			buf.WriteString("\r\n")
			col = 0
		}
	}
}

func needsEscape(b byte, col int) bool {
	switch b {
	case 0x00, 0x0A, 0x0D, '=':
		return true
	case '.':
		return col == 0
	default:
		return false
	}
}
