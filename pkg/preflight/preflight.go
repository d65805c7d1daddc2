// Package preflight checks that a fleet run can write its results before
// any GPU is allocated.
//
// The publish destination is probed with the least invasive operation the
// mode allows. A failed probe aborts the run before launch.
package preflight

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/3leaps/evalfleet/pkg/output"
	"github.com/3leaps/evalfleet/pkg/provider"
)

// Mode defines how aggressive preflight checks are.
type Mode string

const (
	ModePlanOnly   Mode = "plan-only"
	ModeReadSafe   Mode = "read-safe"
	ModeWriteProbe Mode = "write-probe"
)

// ParseMode accepts the configured mode; empty means write-probe.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.TrimSpace(s)) {
	case "", ModeWriteProbe:
		return ModeWriteProbe, nil
	case ModeReadSafe:
		return ModeReadSafe, nil
	case ModePlanOnly:
		return ModePlanOnly, nil
	}
	return "", fmt.Errorf("unknown preflight mode %q (want plan-only, read-safe or write-probe)", s)
}

// ProbeStrategy selects a provider-specific write probe strategy.
type ProbeStrategy string

const (
	ProbeMultipartAbort ProbeStrategy = "multipart-abort"
	ProbePutDelete      ProbeStrategy = "put-delete"
)

// DefaultProbePrefix is where probe objects are created.
const DefaultProbePrefix = "_evalfleet/probe/"

// Spec controls how preflight checks are executed.
type Spec struct {
	Mode          Mode
	ProbeStrategy ProbeStrategy
	ProbePrefix   string
}

// Capability names are stable strings used in JSONL output.
const (
	CapResultsList = "results.list"
	CapTargetList  = "target.list"
	CapTargetHead  = "target.head"
	CapTargetWrite = "target.write"
)

func newRecord(spec Spec) *output.PreflightRecord {
	return &output.PreflightRecord{
		Mode:          string(spec.Mode),
		ProbeStrategy: string(spec.ProbeStrategy),
		ProbePrefix:   spec.ProbePrefix,
		Results:       []output.PreflightCheckResult{},
	}
}

// ResultsLocation verifies the shared results location can be listed.
func ResultsLocation(ctx context.Context, results provider.Provider, prefix string, spec Spec) (*output.PreflightRecord, error) {
	rec := newRecord(spec)
	if spec.Mode == ModePlanOnly {
		return rec, nil
	}
	err := check(rec, CapResultsList, fmt.Sprintf("List(prefix=%q,maxKeys=1)", prefix), func() error {
		_, err := results.List(ctx, provider.ListOptions{Prefix: prefix, MaxKeys: 1})
		return err
	})
	return rec, err
}

// Destination verifies the publish destination under targetDir.
//
// Ordering (fail-fast): list, head of a random key, then the write probe in
// write-probe mode.
func Destination(ctx context.Context, dst provider.Provider, targetDir string, spec Spec) (*output.PreflightRecord, error) {
	rec := newRecord(spec)
	if spec.Mode == ModePlanOnly {
		return rec, nil
	}

	prefix := provider.NormalizePrefix(targetDir)
	if err := check(rec, CapTargetList, fmt.Sprintf("List(prefix=%q,maxKeys=1)", prefix), func() error {
		_, err := dst.List(ctx, provider.ListOptions{Prefix: prefix, MaxKeys: 1})
		return err
	}); err != nil {
		return rec, err
	}

	headKey := joinPrefix(prefix, "head-"+uuid.NewString())
	if err := check(rec, CapTargetHead, "Head(random)", func() error {
		_, err := dst.Head(ctx, headKey)
		if provider.IsNotFound(err) {
			return nil
		}
		return err
	}); err != nil {
		return rec, err
	}

	if spec.Mode != ModeWriteProbe {
		return rec, nil
	}
	probeRec, err := WriteProbe(ctx, dst, spec)
	rec.Results = append(rec.Results, probeRec.Results...)
	return rec, err
}

// WriteProbe proves write permission on dst.
//
// multipart-abort creates and aborts a multipart upload, leaving nothing
// behind. put-delete writes and removes an empty object. With no strategy
// set, multipart-abort is used when the provider supports it.
func WriteProbe(ctx context.Context, dst provider.Provider, spec Spec) (*output.PreflightRecord, error) {
	rec := newRecord(spec)
	prefix := spec.ProbePrefix
	if prefix == "" {
		prefix = DefaultProbePrefix
	}
	key := joinPrefix(prefix, "write-"+uuid.NewString())

	strategy := spec.ProbeStrategy
	if strategy == "" {
		strategy = ProbePutDelete
		if _, ok := dst.(provider.MultipartUploader); ok {
			strategy = ProbeMultipartAbort
		}
	}

	switch strategy {
	case ProbeMultipartAbort:
		mpu, ok := dst.(provider.MultipartUploader)
		if !ok {
			return rec, fmt.Errorf("destination does not support multipart uploads")
		}
		err := check(rec, CapTargetWrite, "CreateMultipartUpload+Abort", func() error {
			id, err := mpu.CreateMultipartUpload(ctx, key)
			if err != nil {
				return err
			}
			return mpu.AbortMultipartUpload(ctx, key, id)
		})
		return rec, err

	case ProbePutDelete:
		putter, ok := dst.(provider.ObjectPutter)
		if !ok {
			return rec, fmt.Errorf("destination does not support PutObject")
		}
		deleter, ok := dst.(provider.ObjectDeleter)
		if !ok {
			return rec, fmt.Errorf("destination does not support DeleteObject")
		}
		err := check(rec, CapTargetWrite, "PutObject+Delete", func() error {
			if err := putter.PutObject(ctx, key, bytes.NewReader(nil), 0); err != nil {
				return err
			}
			return deleter.DeleteObject(ctx, key)
		})
		return rec, err
	}

	return rec, fmt.Errorf("unknown probe strategy %q", strategy)
}

func check(rec *output.PreflightRecord, capability, method string, fn func() error) error {
	res := output.PreflightCheckResult{Capability: capability, Allowed: true, Method: method}
	err := fn()
	if err != nil {
		res.Allowed = false
		res.ErrorCode = normalizeErrorCode(err)
		res.Detail = err.Error()
	}
	rec.Results = append(rec.Results, res)
	return err
}

func normalizeErrorCode(err error) string {
	switch {
	case provider.IsAccessDenied(err), provider.IsInvalidCredentials(err):
		return output.ErrCodeAccessDenied
	case provider.IsBucketNotFound(err), provider.IsNotFound(err):
		return output.ErrCodeNotFound
	case provider.IsThrottled(err):
		return output.ErrCodeThrottled
	default:
		return output.ErrCodeInternal
	}
}

func joinPrefix(prefix, suffix string) string {
	if prefix == "" {
		return strings.TrimPrefix(suffix, "/")
	}
	if strings.HasSuffix(prefix, "/") {
		return prefix + strings.TrimPrefix(suffix, "/")
	}
	return prefix + "/" + strings.TrimPrefix(suffix, "/")
}
