package volume

import (
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"
)

// NEXRAD Level II (Archive II) layout constants.
const (
	volumeHeaderSize = 24
	ctmHeaderSize    = 12
	msgHeaderSize    = 16
	fixedSegmentSize = 2432
	msgTypeRadial    = 31
	radialHeaderSize = 32
	momentHeaderSize = 28
	maxDataBlocks    = 10
)

var errTruncated = errors.New("truncated data")

// Archive2Decoder decodes Level II volumes made of Message 31 radials, either bzip2
// LDM-compressed (as published) or as a plain message stream.
type Archive2Decoder struct {
	// Moment is the data block to load. Defaults to "REF".
	Moment string
}

// NewArchive2Decoder returns a decoder for the reflectivity moment.
func NewArchive2Decoder() *Archive2Decoder {
	return &Archive2Decoder{Moment: "REF"}
}

type momentData struct {
	firstGate float64
	interval  float64
	values    []float64
	valid     []bool
}

type radial struct {
	azimuth   float64
	elevation float64
	elevNum   int
	moment    *momentData
}

// Decode implements Decoder. Gzip input is inflated first.
func (d *Archive2Decoder) Decode(data []byte) (vol *Volume, err error) {
	defer func() {
		if r := recover(); r != nil {
			vol = nil
			err = &DecodeError{Op: "archive", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	data, err = Decompress(data)
	if err != nil {
		return nil, err
	}
	if len(data) < volumeHeaderSize || !bytes.HasPrefix(data, []byte("AR2V")) {
		return nil, &DecodeError{Op: "header", Err: errors.New("missing AR2V volume header")}
	}
	site := strings.TrimRight(string(data[20:24]), "\x00 ")
	scanTime := modifiedJulian(binary.BigEndian.Uint32(data[12:16]), binary.BigEndian.Uint32(data[16:20]))

	stream, err := messageStream(data[volumeHeaderSize:])
	if err != nil {
		return nil, &DecodeError{Op: "records", Err: err}
	}
	radials, err := d.parseRadials(stream)
	if err != nil {
		return nil, &DecodeError{Op: "radials", Err: err}
	}
	if len(radials) == 0 {
		return nil, &DecodeError{Op: "radials", Err: errors.New("no radial messages")}
	}
	return assemble(site, scanTime, radials), nil
}

func (d *Archive2Decoder) moment() string {
	if d.Moment == "" {
		return "REF"
	}
	return d.Moment
}

// modifiedJulian converts the archive's day number (day 1 = 1970-01-01) and
// milliseconds past midnight to UTC.
func modifiedJulian(days, ms uint32) time.Time {
	if days == 0 {
		return time.Time{}
	}
	return time.Unix(0, 0).UTC().AddDate(0, 0, int(days)-1).Add(time.Duration(ms) * time.Millisecond)
}

// messageStream concatenates the decompressed LDM records. Uncompressed archives are
// returned as-is.
func messageStream(b []byte) ([]byte, error) {
	var out bytes.Buffer
	for len(b) >= 4 {
		size := int64(int32(binary.BigEndian.Uint32(b[:4])))
		if size < 0 {
			size = -size
		}
		rest := b[4:]
		if !bytes.HasPrefix(rest, []byte("BZh")) {
			if out.Len() == 0 {
				return b, nil
			}
			break
		}
		if size > int64(len(rest)) {
			return nil, errTruncated
		}
		if _, err := io.Copy(&out, bzip2.NewReader(bytes.NewReader(rest[:size]))); err != nil {
			return nil, fmt.Errorf("ldm record: %w", err)
		}
		b = rest[size:]
	}
	return out.Bytes(), nil
}

func (d *Archive2Decoder) parseRadials(stream []byte) ([]radial, error) {
	var radials []radial
	off := 0
	for off+ctmHeaderSize+msgHeaderSize <= len(stream) {
		hdr := stream[off+ctmHeaderSize:]
		size := int(binary.BigEndian.Uint16(hdr[0:2])) * 2
		if hdr[3] != msgTypeRadial {
			off += fixedSegmentSize
			continue
		}
		if size < msgHeaderSize+radialHeaderSize {
			return nil, fmt.Errorf("message 31 at offset %d: size %d too small", off, size)
		}
		end := off + ctmHeaderSize + size
		if end > len(stream) {
			return nil, fmt.Errorf("message 31 at offset %d: %w", off, errTruncated)
		}
		r, err := d.parseMessage31(stream[off+ctmHeaderSize+msgHeaderSize : end])
		if err != nil {
			return nil, fmt.Errorf("message 31 at offset %d: %w", off, err)
		}
		radials = append(radials, r)
		off = end
	}
	return radials, nil
}

func (d *Archive2Decoder) parseMessage31(body []byte) (radial, error) {
	r := radial{
		azimuth:   float64(readFloat32(body[12:16])),
		elevNum:   int(body[22]),
		elevation: float64(readFloat32(body[24:28])),
	}
	count := int(binary.BigEndian.Uint16(body[30:32]))
	if count > maxDataBlocks {
		count = maxDataBlocks
	}
	name := d.moment()
	for i := 0; i < count; i++ {
		p := radialHeaderSize + 4*i
		if p+4 > len(body) {
			break
		}
		ptr := int(binary.BigEndian.Uint32(body[p : p+4]))
		if ptr <= 0 || ptr+momentHeaderSize > len(body) {
			continue
		}
		blk := body[ptr:]
		if blk[0] != 'D' || string(blk[1:4]) != name {
			continue
		}
		m, err := parseMoment(blk)
		if err != nil {
			return radial{}, fmt.Errorf("%s block: %w", name, err)
		}
		r.moment = m
		break
	}
	return r, nil
}

func parseMoment(blk []byte) (*momentData, error) {
	gates := int(binary.BigEndian.Uint16(blk[8:10]))
	first := float64(int16(binary.BigEndian.Uint16(blk[10:12])))
	interval := float64(binary.BigEndian.Uint16(blk[12:14]))
	wordSize := int(blk[19])
	scale := float64(readFloat32(blk[20:24]))
	offset := float64(readFloat32(blk[24:28]))
	if wordSize != 8 && wordSize != 16 {
		return nil, fmt.Errorf("unsupported word size %d", wordSize)
	}
	if scale == 0 {
		return nil, errors.New("zero scale")
	}
	width := wordSize / 8
	if momentHeaderSize+gates*width > len(blk) {
		return nil, errTruncated
	}
	m := &momentData{
		firstGate: first,
		interval:  interval,
		values:    make([]float64, gates),
		valid:     make([]bool, gates),
	}
	raw := blk[momentHeaderSize:]
	for g := 0; g < gates; g++ {
		var w uint16
		if width == 1 {
			w = uint16(raw[g])
		} else {
			w = binary.BigEndian.Uint16(raw[2*g:])
		}
		// 0 is below threshold, 1 is range folded.
		if w <= 1 {
			continue
		}
		m.values[g] = (float64(w) - offset) / scale
		m.valid[g] = true
	}
	return m, nil
}

// assemble groups radials by elevation number in order of first appearance.
func assemble(site string, scanTime time.Time, radials []radial) *Volume {
	var order []int
	groups := make(map[int][]radial)
	for _, r := range radials {
		if _, ok := groups[r.elevNum]; !ok {
			order = append(order, r.elevNum)
		}
		groups[r.elevNum] = append(groups[r.elevNum], r)
	}

	vol := &Volume{Site: site, Time: scanTime}
	start := 0
	for idx, num := range order {
		rays := groups[num]
		sw := Sweep{
			Index:    idx,
			StartRay: start,
			EndRay:   start + len(rays) - 1,
			Azimuths: make([]float64, len(rays)),
		}
		elevations := make([]float64, len(rays))
		cols := 0
		var ref *momentData
		for i, r := range rays {
			sw.Azimuths[i] = r.azimuth
			elevations[i] = r.elevation
			if r.moment != nil {
				if ref == nil {
					ref = r.moment
				}
				if len(r.moment.values) > cols {
					cols = len(r.moment.values)
				}
			}
		}
		sw.FixedAngle = medianAngle(elevations)
		sw.Reflectivity = NewField(len(rays), cols)
		if ref != nil {
			sw.Ranges = make([]float64, cols)
			for g := range sw.Ranges {
				sw.Ranges[g] = ref.firstGate + float64(g)*ref.interval
			}
			for i, r := range rays {
				if r.moment == nil {
					continue
				}
				for g, ok := range r.moment.valid {
					if ok {
						sw.Reflectivity.Set(i, g, r.moment.values[g])
					}
				}
			}
		}
		vol.Sweeps = append(vol.Sweeps, sw)
		start += len(rays)
	}
	return vol
}

func medianAngle(angles []float64) float64 {
	if len(angles) == 0 {
		return 0
	}
	s := append([]float64(nil), angles...)
	sort.Float64s(s)
	m := s[len(s)/2]
	if len(s)%2 == 0 {
		m = (s[len(s)/2-1] + s[len(s)/2]) / 2
	}
	return math.Round(m*100) / 100
}

func readFloat32(b []byte) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(b))
}
