package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	customErrors "github.com/CMSgov/claimfin/claimfin/errors"
	"github.com/CMSgov/claimfin/claimfin/models"
	"github.com/CMSgov/claimfin/claimfin/projection"
	"github.com/CMSgov/claimfin/claimfin/service"
	"github.com/CMSgov/claimfin/log"
)

const maxFactLine = 1 << 20

type factSubmitter interface {
	SubmitFact(ctx context.Context, f models.Fact) (service.Outcome, error)
}

type recomputeEnqueuer interface {
	AddRecompute(ctx context.Context, f models.Fact) error
}

type submitSummary struct {
	Accepted  int
	Duplicate int
	Rejected  int
}

func (s submitSummary) String() string {
	return fmt.Sprintf("accepted=%d duplicate=%d rejected=%d", s.Accepted, s.Duplicate, s.Rejected)
}

// submitFacts reads one fact envelope per line from r and submits each.
// Malformed and rejected lines are counted and skipped. Any other error
// stops the run.
func submitFacts(ctx context.Context, r io.Reader, submitter factSubmitter, enqueuer recomputeEnqueuer) (submitSummary, error) {
	var sum submitSummary
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFactLine)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		logger := log.Worker.WithField("line", line)

		var env models.Envelope
		if err := json.Unmarshal([]byte(text), &env); err != nil {
			logger.Warnf("skipping malformed fact: %s", err)
			sum.Rejected++
			continue
		}
		f, err := env.Decode()
		if err != nil {
			logger.Warnf("skipping malformed fact: %s", err)
			sum.Rejected++
			continue
		}

		out, err := submitter.SubmitFact(ctx, f)
		var integrity *customErrors.DataIntegrityError
		if errors.As(err, &integrity) {
			logger.WithField("claim_key", f.Claim()).Error(err)
			sum.Rejected++
			continue
		}
		if err != nil {
			return sum, fmt.Errorf("line %d: %w", line, err)
		}

		switch out.Result {
		case service.Accepted:
			sum.Accepted++
			if enqueuer != nil {
				if err := enqueuer.AddRecompute(ctx, f); err != nil {
					return sum, fmt.Errorf("line %d: failed to enqueue recompute: %w", line, err)
				}
			}
		case service.Duplicate:
			sum.Duplicate++
		case service.Rejected:
			logger.WithFields(logrus.Fields{"claim_key": f.Claim(), "kind": f.Kind()}).Warnf("fact rejected: %s", out.Reason)
			sum.Rejected++
		}
	}
	if err := scanner.Err(); err != nil {
		return sum, fmt.Errorf("failed to read facts: %w", err)
	}
	return sum, nil
}

// filterSet builds the export filter from command line values. Dates use
// the YYYY-MM-DD form and are inclusive.
func filterSet(from, to string, facilities, payers, claims []string) (projection.FilterSet, error) {
	fs := projection.FilterSet{
		FacilityIDs: facilities,
		PayerIDs:    payers,
		ClaimKeys:   claims,
	}
	var err error
	if fs.DateFrom, err = parseDate("from", from); err != nil {
		return fs, err
	}
	if fs.DateTo, err = parseDate("to", to); err != nil {
		return fs, err
	}
	if fs.DateFrom != nil && fs.DateTo != nil && fs.DateTo.Before(*fs.DateFrom) {
		return fs, &customErrors.ValidationError{Field: "to", Msg: "must not be before from"}
	}
	return fs, nil
}

func parseDate(field, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, &customErrors.ValidationError{Field: field, Msg: fmt.Sprintf("invalid date %q", v)}
	}
	return &t, nil
}
