// Package svg rasterises a subset of SVG and writes rasters as SVG files
// wrapping an embedded PNG.
//
// Supported are the basic shapes, paths (all commands including arcs),
// nested groups with inherited paint, opacity and transforms, the viewBox
// with preserveAspectRatio, and embedded PNG or JPEG images given as data
// URIs. Fills use the nonzero rule. Text, gradients, patterns, clipping,
// masks, filters, <use> and stroke dashing are not rendered.
package svg

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/deepteams/imgcodec/formats/png"
	"github.com/deepteams/imgcodec/raster"
)

// Match reports whether data looks like an SVG document: an <svg> root
// element after an optional byte order mark, XML declaration, comments
// and doctype.
func Match(data []byte) bool {
	p := bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	for {
		p = bytes.TrimLeft(p, " \t\r\n")
		switch {
		case bytes.HasPrefix(p, []byte("<svg")):
			return len(p) == 4 || bytes.IndexByte([]byte(" \t\r\n>/"), p[4]) >= 0
		case bytes.HasPrefix(p, []byte("<?")):
			p = skipPast(p, "?>")
		case bytes.HasPrefix(p, []byte("<!--")):
			p = skipPast(p, "-->")
		case bytes.HasPrefix(p, []byte("<!")):
			p = skipPast(p, ">")
		default:
			return false
		}
		if p == nil {
			return false
		}
	}
}

func skipPast(p []byte, end string) []byte {
	i := bytes.Index(p, []byte(end))
	if i < 0 {
		return nil
	}
	return p[i+len(end):]
}

// Decode parses and rasterises data into an RGBA8 image the size of the
// root element.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	doc, err := Parse(data, opts)
	if err != nil {
		return nil, err
	}
	img := passThrough(doc)
	if img == nil {
		img = raster.FromImage(render(doc))
	}
	img.Meta.Comment = strings.TrimSpace(doc.Title)
	if d := strings.TrimSpace(doc.Description); d != "" {
		img.Meta.SetExtra("description", d)
	}
	return img, nil
}

// passThrough returns the embedded raster of a document that only places
// one image over the whole canvas at its natural size, as Encode writes.
func passThrough(doc *Document) *raster.Image {
	if len(doc.Elements) != 1 {
		return nil
	}
	e := doc.Elements[0]
	im, ok := e.Shape.(Image)
	if !ok || e.Transform != identity || im.X != 0 || im.Y != 0 {
		return nil
	}
	w, h := float64(doc.Width), float64(doc.Height)
	if im.Width != w || im.Height != h || im.Data.Width != doc.Width || im.Data.Height != doc.Height {
		return nil
	}
	out := im.Data.Clone()
	out.Frames = nil
	out.Meta = raster.Metadata{ICC: im.Data.Meta.ICC}
	return out
}

// DecodeConfig returns the canvas size without rendering.
func DecodeConfig(data []byte) (width, height int, err error) {
	doc, err := parse(data, nil, true)
	if err != nil {
		return 0, 0, err
	}
	return doc.Width, doc.Height, nil
}

// Encode writes img as an SVG document holding one PNG data URI image.
func Encode(img *raster.Image, opts *raster.Options) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("svg: %w", err)
	}
	still := *img
	still.Frames = nil
	still.Meta = raster.Metadata{ICC: img.Meta.ICC}
	body, err := png.Encode(&still, opts)
	if err != nil {
		return nil, fmt.Errorf("svg: %w", err)
	}
	var b bytes.Buffer
	b.WriteString(xml.Header)
	fmt.Fprintf(&b, "<svg xmlns=\"http://www.w3.org/2000/svg\" xmlns:xlink=\"http://www.w3.org/1999/xlink\""+
		" width=\"%d\" height=\"%d\" viewBox=\"0 0 %d %d\">\n", img.Width, img.Height, img.Width, img.Height)
	if img.Meta.Comment != "" {
		b.WriteString("<title>")
		xml.EscapeText(&b, []byte(img.Meta.Comment))
		b.WriteString("</title>\n")
	}
	fmt.Fprintf(&b, "<image width=\"%d\" height=\"%d\" xlink:href=\"data:image/png;base64,", img.Width, img.Height)
	enc := base64.NewEncoder(base64.StdEncoding, &b)
	enc.Write(body)
	enc.Close()
	b.WriteString("\"/>\n</svg>\n")
	return b.Bytes(), nil
}
