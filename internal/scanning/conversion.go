package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
	_ "golang.org/x/image/webp" // Register WebP decoder

	"github.com/zombor/receipt-ledger/internal/errs"
)

// pngSignature is the 8-byte PNG file header
var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// toPNG converts a receipt image or PDF to PNG so every OCR provider sees
// a single format. Decoding failures are reported as UnsupportedFormatError
// since retrying cannot fix them.
func toPNG(data []byte, contentType string) ([]byte, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))

	var (
		img image.Image
		err error
	)
	switch {
	case len(data) == 0:
		return nil, errs.NewUnsupportedFormatError("image is empty", nil)
	case mimeType == "image/png" && bytes.HasPrefix(data, pngSignature):
		return data, nil
	case mimeType == "application/pdf":
		img, err = renderFirstPage(data)
	case isHEIC(data, mimeType):
		img, err = heic.Decode(bytes.NewReader(data))
	default:
		img, _, err = image.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, errs.NewUnsupportedFormatError(
			fmt.Sprintf("decoding %s receipt (supported: JPEG, PNG, GIF, WebP, HEIC, HEIF, PDF)", mimeType), err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// renderFirstPage renders page one of a PDF; receipts are single page.
func renderFirstPage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// isHEIC checks the ftyp box brand or the declared MIME type.
// iPhone photos arrive as HEIC which the standard image package cannot decode.
func isHEIC(data []byte, mimeType string) bool {
	if strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif") {
		return true
	}
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}
