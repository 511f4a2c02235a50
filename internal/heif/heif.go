// Package heif reads the item model of HEIF files (ISO/IEC 23008-12), the
// container shared by AVIF and HEIC: item info, item locations, item
// properties and their associations.
package heif

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/container"
)

// Box and item types.
var (
	TagMeta = container.Tag("meta")
	TagHdlr = container.Tag("hdlr")
	TagPitm = container.Tag("pitm")
	TagIinf = container.Tag("iinf")
	TagInfe = container.Tag("infe")
	TagIloc = container.Tag("iloc")
	TagIprp = container.Tag("iprp")
	TagIpco = container.Tag("ipco")
	TagIpma = container.Tag("ipma")
	TagIdat = container.Tag("idat")
	TagIspe = container.Tag("ispe")
	TagPixi = container.Tag("pixi")
	TagColr = container.Tag("colr")
	TagAv1C = container.Tag("av1C")
	TagHvcC = container.Tag("hvcC")
	TagAuxC = container.Tag("auxC")

	ItemAV01 = container.Tag("av01")
	ItemHVC1 = container.Tag("hvc1")
	ItemGrid = container.Tag("grid")
	ItemExif = container.Tag("Exif")
	ItemMime = container.Tag("mime")
)

// Extent is one contiguous piece of item data.
type Extent struct {
	Offset uint64
	Length uint64
}

// Item is an entry of the item information box joined with its location
// and property associations.
type Item struct {
	ID          uint32
	Type        container.FourCC
	Name        string
	ContentType string

	// ConstructionMethod 0 addresses the file, 1 the idat box.
	ConstructionMethod uint8
	BaseOffset         uint64
	Extents            []Extent

	// Props holds 0-based indices into File.Properties.
	Props []int
}

// Property is one child box of ipco.
type Property struct {
	Type    container.FourCC
	Payload []byte
}

// File is the parsed item model.
type File struct {
	FileType   container.FileType
	Handler    container.FourCC
	Primary    uint32
	Items      []Item
	Properties []Property

	idat []byte
}

// Parse reads the ftyp and meta boxes of buf.
func Parse(buf []byte) (*File, error) {
	ft, err := container.ParseFileType(buf)
	if err != nil {
		return nil, fmt.Errorf("heif: %w", err)
	}
	meta, ok := container.FindRecord(buf, TagMeta)
	if !ok {
		return nil, fmt.Errorf("heif: %w: no meta box", codecerr.ErrInvalidFormat)
	}
	if meta.PayloadEnd-meta.PayloadStart < 4 {
		return nil, fmt.Errorf("heif: meta: %w", codecerr.ErrTruncated)
	}
	// meta is a full box: children follow version and flags.
	children := container.Range{Start: meta.PayloadStart + 4, End: meta.PayloadEnd}

	f := &File{FileType: ft}
	err = container.ISOBMFF.Walk(buf, children, func(r container.Record) error {
		p := r.Payload(buf)
		switch r.Type {
		case TagHdlr:
			_, _, body, err := container.FullBox(p)
			if err != nil {
				return err
			}
			if len(body) < 8 {
				return fmt.Errorf("hdlr: %w", codecerr.ErrTruncated)
			}
			copy(f.Handler[:], body[4:8])
		case TagPitm:
			return f.parsePitm(p)
		case TagIinf:
			return f.parseIinf(buf, r)
		case TagIloc:
			return f.parseIloc(p)
		case TagIprp:
			return f.parseIprp(buf, r)
		case TagIdat:
			f.idat = p
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("heif: %w", err)
	}
	if f.Primary == 0 && len(f.Items) > 0 {
		f.Primary = f.Items[0].ID
	}
	return f, nil
}

func (f *File) parsePitm(p []byte) error {
	v, _, body, err := container.FullBox(p)
	if err != nil {
		return err
	}
	c := newCursor(body, "pitm")
	if v == 0 {
		f.Primary = uint32(c.u16())
	} else {
		f.Primary = c.u32()
	}
	return c.err
}

func (f *File) parseIinf(buf []byte, r container.Record) error {
	v, _, body, err := container.FullBox(r.Payload(buf))
	if err != nil {
		return err
	}
	c := newCursor(body, "iinf")
	if v == 0 {
		c.u16()
	} else {
		c.u32()
	}
	if c.err != nil {
		return c.err
	}
	entries := container.Range{Start: r.PayloadStart + 4 + c.off, End: r.PayloadEnd}
	return container.ISOBMFF.Walk(buf, entries, func(e container.Record) error {
		if e.Type != TagInfe {
			return nil
		}
		it, err := parseInfe(e.Payload(buf))
		if err != nil {
			return err
		}
		f.item(it.ID).merge(it)
		return nil
	})
}

func parseInfe(p []byte) (Item, error) {
	v, _, body, err := container.FullBox(p)
	if err != nil {
		return Item{}, err
	}
	c := newCursor(body, "infe")
	var it Item
	if v < 3 {
		it.ID = uint32(c.u16())
	} else {
		it.ID = c.u32()
	}
	c.u16() // protection index
	if v >= 2 {
		copy(it.Type[:], c.take(4))
		it.Name = c.cstring()
		if it.Type == ItemMime {
			it.ContentType = c.cstring()
		}
	} else {
		it.Name = c.cstring()
		it.ContentType = c.cstring()
	}
	return it, c.err
}

func (f *File) parseIloc(p []byte) error {
	v, _, body, err := container.FullBox(p)
	if err != nil {
		return err
	}
	if v > 2 {
		return fmt.Errorf("%w: iloc version %d", codecerr.ErrUnsupported, v)
	}
	c := newCursor(body, "iloc")
	b := c.u8()
	offSize, lenSize := int(b>>4), int(b&15)
	b = c.u8()
	baseSize, idxSize := int(b>>4), 0
	if v == 1 || v == 2 {
		idxSize = int(b & 15)
	}
	var count uint32
	if v < 2 {
		count = uint32(c.u16())
	} else {
		count = c.u32()
	}
	for i := uint32(0); i < count && c.err == nil; i++ {
		var id uint32
		if v < 2 {
			id = uint32(c.u16())
		} else {
			id = c.u32()
		}
		it := f.item(id)
		if v == 1 || v == 2 {
			it.ConstructionMethod = uint8(c.u16() & 15)
		}
		c.u16() // data reference index
		it.BaseOffset = c.sized(baseSize)
		n := int(c.u16())
		// Each extent takes at least one byte when any size is non-zero,
		// which bounds n by the remaining payload.
		if per := offSize + lenSize + idxSize; per > 0 && n*per > c.remaining() {
			return fmt.Errorf("iloc: %d extents: %w", n, codecerr.ErrTruncated)
		}
		it.Extents = make([]Extent, 0, min(n, 64))
		for j := 0; j < n && c.err == nil; j++ {
			c.sized(idxSize)
			off := c.sized(offSize)
			ln := c.sized(lenSize)
			it.Extents = append(it.Extents, Extent{Offset: off, Length: ln})
		}
	}
	return c.err
}

func (f *File) parseIprp(buf []byte, r container.Record) error {
	ipco, ok := container.FindNestedRecord(buf, r.PayloadRange(), TagIpco)
	if !ok {
		return fmt.Errorf("%w: iprp without ipco", codecerr.ErrInvalidFormat)
	}
	err := container.ISOBMFF.Walk(buf, ipco.PayloadRange(), func(p container.Record) error {
		f.Properties = append(f.Properties, Property{Type: p.Type, Payload: p.Payload(buf)})
		return nil
	})
	if err != nil {
		return err
	}
	for _, a := range container.ISOBMFF.FindAll(buf, r.PayloadRange(), TagIpma) {
		if err := f.parseIpma(a.Payload(buf)); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) parseIpma(p []byte) error {
	v, flags, body, err := container.FullBox(p)
	if err != nil {
		return err
	}
	c := newCursor(body, "ipma")
	count := c.u32()
	for i := uint32(0); i < count && c.err == nil; i++ {
		var id uint32
		if v < 1 {
			id = uint32(c.u16())
		} else {
			id = c.u32()
		}
		it := f.item(id)
		n := int(c.u8())
		for j := 0; j < n && c.err == nil; j++ {
			var idx int
			if flags&1 != 0 {
				idx = int(c.u16() & 0x7fff)
			} else {
				idx = int(c.u8() & 0x7f)
			}
			// Index 0 means no property; the rest are 1-based.
			if idx == 0 {
				continue
			}
			if idx > len(f.Properties) {
				return fmt.Errorf("%w: item %d references property %d of %d", codecerr.ErrInvalidFormat, id, idx, len(f.Properties))
			}
			it.Props = append(it.Props, idx-1)
		}
	}
	return c.err
}

// item returns the item with the given ID, creating it on first use.
func (f *File) item(id uint32) *Item {
	for i := range f.Items {
		if f.Items[i].ID == id {
			return &f.Items[i]
		}
	}
	f.Items = append(f.Items, Item{ID: id})
	return &f.Items[len(f.Items)-1]
}

func (it *Item) merge(o Item) {
	it.Type = o.Type
	it.Name = o.Name
	it.ContentType = o.ContentType
}

// Item returns the item with the given ID.
func (f *File) Item(id uint32) (*Item, bool) {
	for i := range f.Items {
		if f.Items[i].ID == id {
			return &f.Items[i], true
		}
	}
	return nil, false
}

// PrimaryItem returns the primary image item.
func (f *File) PrimaryItem() (*Item, error) {
	it, ok := f.Item(f.Primary)
	if !ok {
		return nil, fmt.Errorf("heif: %w: primary item %d not found", codecerr.ErrInvalidFormat, f.Primary)
	}
	return it, nil
}

// ItemsOfType returns every item of type t.
func (f *File) ItemsOfType(t container.FourCC) []*Item {
	var out []*Item
	for i := range f.Items {
		if f.Items[i].Type == t {
			out = append(out, &f.Items[i])
		}
	}
	return out
}

// AlphaItem returns the first auxiliary image item whose auxC type names
// an alpha plane, AVIF's or HEVC's.
func (f *File) AlphaItem() (*Item, bool) {
	for i := range f.Items {
		it := &f.Items[i]
		p, ok := f.Property(it, TagAuxC)
		if !ok {
			continue
		}
		_, _, body, err := container.FullBox(p)
		if err != nil {
			continue
		}
		urn := strings.TrimRight(string(body), "\x00")
		if strings.HasSuffix(urn, ":alpha") || strings.HasSuffix(urn, ":auxid:1") {
			return it, true
		}
	}
	return nil, false
}

// Property returns the payload of the first property of type t
// associated with it.
func (f *File) Property(it *Item, t container.FourCC) ([]byte, bool) {
	for _, i := range it.Props {
		if f.Properties[i].Type == t {
			return f.Properties[i].Payload, true
		}
	}
	return nil, false
}

// ItemData concatenates the extents of it. A zero extent length means
// the extent runs to the end of its source.
func (f *File) ItemData(buf []byte, it *Item) ([]byte, error) {
	src := buf
	switch it.ConstructionMethod {
	case 0:
	case 1:
		src = f.idat
	default:
		return nil, fmt.Errorf("heif: %w: construction method %d", codecerr.ErrUnsupported, it.ConstructionMethod)
	}
	if len(it.Extents) == 1 {
		return extent(src, it.BaseOffset, it.Extents[0])
	}
	var out []byte
	for _, e := range it.Extents {
		p, err := extent(src, it.BaseOffset, e)
		if err != nil {
			return nil, err
		}
		out = append(out, p...)
	}
	return out, nil
}

func extent(src []byte, base uint64, e Extent) ([]byte, error) {
	start := base + e.Offset
	if start < base || start > uint64(len(src)) {
		return nil, fmt.Errorf("heif: item extent at %d: %w", start, codecerr.ErrTruncated)
	}
	end := uint64(len(src))
	if e.Length != 0 {
		end = start + e.Length
		if end < start || end > uint64(len(src)) {
			return nil, fmt.Errorf("heif: item extent %d+%d: %w", start, e.Length, codecerr.ErrTruncated)
		}
	}
	return src[start:end], nil
}

// Size returns the ispe dimensions of it.
func (f *File) Size(it *Item) (width, height int, err error) {
	p, ok := f.Property(it, TagIspe)
	if !ok {
		return 0, 0, fmt.Errorf("heif: %w: item %d has no ispe", codecerr.ErrInvalidFormat, it.ID)
	}
	_, _, body, err := container.FullBox(p)
	if err != nil {
		return 0, 0, err
	}
	if len(body) < 8 {
		return 0, 0, fmt.Errorf("heif: ispe: %w", codecerr.ErrTruncated)
	}
	width = int(binary.BigEndian.Uint32(body))
	height = int(binary.BigEndian.Uint32(body[4:]))
	if width == 0 || height == 0 {
		return 0, 0, fmt.Errorf("heif: %w: ispe %dx%d", codecerr.ErrInvalidDimensions, width, height)
	}
	return width, height, nil
}

// BitDepths returns the per-channel bit depths from pixi.
func (f *File) BitDepths(it *Item) []int {
	p, ok := f.Property(it, TagPixi)
	if !ok {
		return nil
	}
	_, _, body, err := container.FullBox(p)
	if err != nil || len(body) < 1 {
		return nil
	}
	n := min(int(body[0]), len(body)-1)
	out := make([]int, n)
	for i := range out {
		out[i] = int(body[1+i])
	}
	return out
}

// ICC returns an embedded ICC profile from a colr property.
func (f *File) ICC(it *Item) []byte {
	for _, i := range it.Props {
		p := f.Properties[i]
		if p.Type != TagColr || len(p.Payload) < 4 {
			continue
		}
		switch string(p.Payload[:4]) {
		case "prof", "rICC":
			return p.Payload[4:]
		}
	}
	return nil
}

// Exif returns the TIFF payload of the first Exif item, skipping its
// 4-byte header offset.
func (f *File) Exif(buf []byte) []byte {
	for _, it := range f.ItemsOfType(ItemExif) {
		p, err := f.ItemData(buf, it)
		if err != nil || len(p) < 4 {
			continue
		}
		skip := uint64(binary.BigEndian.Uint32(p))
		if 4+skip <= uint64(len(p)) {
			return p[4+skip:]
		}
	}
	return nil
}

// XMP returns the first mime item with an XMP content type.
func (f *File) XMP(buf []byte) []byte {
	for _, it := range f.ItemsOfType(ItemMime) {
		if it.ContentType == "application/rdf+xml" {
			if p, err := f.ItemData(buf, it); err == nil {
				return p
			}
		}
	}
	return nil
}
