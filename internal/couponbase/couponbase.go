// Package couponbase reads partner coupon lists: gzip-compressed CSV files
// of coupon definitions. A code is importable only when at least MinFiles
// partner files list it.
//
// Scanning runs in two passes. The first builds one bloom filter per file
// concurrently. The second re-reads every file and keeps the codes that some
// other file's filter reports, tagging each with its own file bit. A code is
// confirmed when its merged mask has MinFiles bits, so false positives of a
// single filter never confirm a code.
package couponbase

import (
	"context"
	"encoding/csv"
	"io"
	"math/bits"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-store/internal/domain/coupon"
)

const (
	minCodeLen = 4
	maxCodeLen = 32
	numFields  = 7
)

// Options tunes a scan.
type Options struct {
	// MinFiles is the number of files that must list a code. Defaults to 2.
	MinFiles int
	// Capacity is the expected number of codes per file.
	Capacity uint
	// FalsePositiveRate of each per-file filter.
	FalsePositiveRate float64
	// ProgressEvery logs progress every n records. Zero disables it.
	ProgressEvery uint64
}

func (o Options) withDefaults() Options {
	if o.MinFiles <= 0 {
		o.MinFiles = 2
	}
	if o.Capacity == 0 {
		o.Capacity = 1_000_000
	}
	if o.FalsePositiveRate <= 0 {
		o.FalsePositiveRate = 0.001
	}
	return o
}

// ErrInvalidRecord is returned by ParseRecord for malformed records.
var ErrInvalidRecord = errors.New("invalid coupon record")

// ParseRecord converts one CSV record into a coupon. The fields are
// code, type, value, min order value, max discount, free shipping and
// description. Empty max discount means uncapped.
func ParseRecord(rec []string) (coupon.Coupon, error) {
	if len(rec) != numFields {
		return coupon.Coupon{}, errors.Wrapf(ErrInvalidRecord, "%d fields", len(rec))
	}
	code := strings.ToUpper(strings.TrimSpace(rec[0]))
	if len(code) < minCodeLen || len(code) > maxCodeLen {
		return coupon.Coupon{}, errors.Wrapf(ErrInvalidRecord, "code %q length", code)
	}

	c := coupon.Coupon{
		ID:          uuid.NewString(),
		Code:        code,
		Type:        coupon.DiscountType(strings.ToUpper(strings.TrimSpace(rec[1]))),
		Description: strings.TrimSpace(rec[6]),
		Active:      true,
	}
	switch c.Type {
	case coupon.DiscountPercentage, coupon.DiscountFixed:
	default:
		return coupon.Coupon{}, errors.Wrapf(ErrInvalidRecord, "code %s: type %q", code, rec[1])
	}

	var err error
	if c.Value, err = parseAmount(rec[2]); err != nil {
		return coupon.Coupon{}, errors.Wrapf(ErrInvalidRecord, "code %s: value: %v", code, err)
	}
	if c.Type == coupon.DiscountPercentage && c.Value.GreaterThan(decimal.NewFromInt(100)) {
		return coupon.Coupon{}, errors.Wrapf(ErrInvalidRecord, "code %s: percentage above 100", code)
	}
	if s := strings.TrimSpace(rec[3]); s != "" {
		if c.MinOrderValue, err = parseAmount(s); err != nil {
			return coupon.Coupon{}, errors.Wrapf(ErrInvalidRecord, "code %s: min order: %v", code, err)
		}
	}
	if s := strings.TrimSpace(rec[4]); s != "" {
		maxDiscount, err := parseAmount(s)
		if err != nil {
			return coupon.Coupon{}, errors.Wrapf(ErrInvalidRecord, "code %s: max discount: %v", code, err)
		}
		c.MaxDiscount = &maxDiscount
	}
	if s := strings.TrimSpace(rec[5]); s != "" {
		if c.FreeShipping, err = strconv.ParseBool(s); err != nil {
			return coupon.Coupon{}, errors.Wrapf(ErrInvalidRecord, "code %s: free shipping: %v", code, err)
		}
	}
	return c, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, err
	}
	if d.IsNegative() {
		return decimal.Decimal{}, errors.New("negative")
	}
	return d, nil
}

// Scan returns the coupons confirmed by at least opts.MinFiles of paths,
// sorted by code. When files disagree on a definition, the earliest file in
// paths wins.
func Scan(ctx context.Context, paths []string, opts Options) ([]coupon.Coupon, error) {
	opts = opts.withDefaults()
	if len(paths) < opts.MinFiles {
		return nil, errors.Errorf("%d files cannot confirm codes listed in %d", len(paths), opts.MinFiles)
	}
	if len(paths) > bits.UintSize {
		return nil, errors.Errorf("at most %d files", bits.UintSize)
	}

	filters, err := buildFilters(ctx, paths, opts)
	if err != nil {
		return nil, errors.Wrap(err, "build filters")
	}
	return confirm(ctx, paths, filters, opts)
}

func buildFilters(ctx context.Context, paths []string, opts Options) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			f := bloom.NewWithEstimates(opts.Capacity, opts.FalsePositiveRate)
			n, err := readFile(ctx, path, opts, func(c coupon.Coupon) {
				f.AddString(c.Code)
			})
			if err != nil {
				return errors.Wrapf(err, "file %d", i+1)
			}
			zctx.From(ctx).Info("Filter built",
				zap.String("file", path),
				zap.Uint64("records", n),
			)
			filters[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

type candidate struct {
	mask uint
	def  coupon.Coupon
}

func confirm(ctx context.Context, paths []string, filters []*bloom.BloomFilter, opts Options) ([]coupon.Coupon, error) {
	found := make([]map[string]candidate, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			own := make(map[string]candidate)
			bit := uint(1) << uint(i)
			_, err := readFile(ctx, path, opts, func(c coupon.Coupon) {
				if _, ok := own[c.Code]; ok {
					return
				}
				for j, f := range filters {
					if j != i && f.TestString(c.Code) {
						own[c.Code] = candidate{mask: bit, def: c}
						return
					}
				}
			})
			if err != nil {
				return errors.Wrapf(err, "file %d", i+1)
			}
			found[i] = own
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]candidate)
	for _, own := range found {
		for code, c := range own {
			m, ok := merged[code]
			if !ok {
				merged[code] = c
				continue
			}
			m.mask |= c.mask
			merged[code] = m
		}
	}

	var out []coupon.Coupon
	for _, c := range merged {
		if bits.OnesCount(c.mask) >= opts.MinFiles {
			out = append(out, c.def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// readFile streams the valid records of a gzip-compressed CSV file. Invalid
// records and a header line are skipped.
func readFile(ctx context.Context, path string, opts Options, fn func(coupon.Coupon)) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return 0, errors.Wrapf(err, "gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	return readRecords(ctx, gz, path, opts, fn)
}

func readRecords(ctx context.Context, r io.Reader, path string, opts Options, fn func(coupon.Coupon)) (uint64, error) {
	lg := zctx.From(ctx)
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	var n, skipped uint64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				skipped++
				continue
			}
			return n, errors.Wrapf(err, "read %s", path)
		}
		if n == 0 && skipped == 0 && len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "code") {
			continue
		}
		c, err := ParseRecord(rec)
		if err != nil {
			skipped++
			continue
		}
		fn(c)
		n++
		if opts.ProgressEvery > 0 && n%opts.ProgressEvery == 0 {
			lg.Info("Progress", zap.String("file", path), zap.Uint64("records", n))
		}
	}
	if skipped > 0 {
		lg.Warn("Skipped invalid records", zap.String("file", path), zap.Uint64("skipped", skipped))
	}
	return n, nil
}
