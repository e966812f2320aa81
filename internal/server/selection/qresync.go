package selection

import (
	"errors"
	"fmt"
	"strconv"

	"ravensync/internal/models"
	"ravensync/internal/uid"
)

var (
	// ErrExtensionNotEnabled is returned for a QRESYNC parameter on a
	// session that has not enabled QRESYNC.
	ErrExtensionNotEnabled = errors.New("QRESYNC must first be enabled")
	ErrBadParams           = errors.New("invalid select parameters")
)

// QResyncParams are the client's cached state sent with SELECT.
type QResyncParams struct {
	UIDValidity uint32
	ModSeq      uid.ModSeq
	// KnownUIDs is nil when the client did not send it.
	KnownUIDs uid.Set
	// SeqMatch and UIDMatch are paired samples of the client's view, kept
	// as written and walked with uid.Pairs.
	SeqMatch uid.Set
	UIDMatch uid.Set
}

// Params are the optional SELECT/EXAMINE parameters.
type Params struct {
	CondStore bool
	QResync   *QResyncParams
}

// ParseParams reads "(CONDSTORE)" and "(QRESYNC (...))" from the arguments
// following the mailbox name.
func ParseParams(args []models.Arg, qresyncEnabled bool) (Params, error) {
	var p Params
	if len(args) == 0 {
		return p, nil
	}
	if len(args) > 1 || !args[0].IsList || len(args[0].List) == 0 {
		return p, ErrBadParams
	}

	items := args[0].List
	seen := map[string]bool{}
	for i := 0; i < len(items); i++ {
		name := items[i].Upper()
		if seen[name] {
			return p, fmt.Errorf("%w: duplicate parameter %s", ErrBadParams, name)
		}
		seen[name] = true

		switch name {
		case "CONDSTORE":
			p.CondStore = true
		case "QRESYNC":
			if !qresyncEnabled {
				return p, ErrExtensionNotEnabled
			}
			if i+1 >= len(items) || !items[i+1].IsList {
				return p, fmt.Errorf("%w: QRESYNC requires a parameter list", ErrBadParams)
			}
			i++
			qr, err := parseQResync(items[i].List)
			if err != nil {
				return p, err
			}
			p.QResync = qr
		default:
			return p, fmt.Errorf("%w: unknown parameter %s", ErrBadParams, items[i].Value)
		}
	}
	return p, nil
}

func parseQResync(list []models.Arg) (*QResyncParams, error) {
	if len(list) < 2 || len(list) > 4 {
		return nil, fmt.Errorf("%w: QRESYNC takes uidvalidity, modseq and optional known uids", ErrBadParams)
	}
	validity, err := strconv.ParseUint(list[0].Value, 10, 32)
	if err != nil || validity == 0 {
		return nil, fmt.Errorf("%w: bad uidvalidity %q", ErrBadParams, list[0].Value)
	}
	modSeq, err := strconv.ParseUint(list[1].Value, 10, 63)
	if err != nil || modSeq == 0 {
		return nil, fmt.Errorf("%w: bad modseq %q", ErrBadParams, list[1].Value)
	}
	qr := &QResyncParams{UIDValidity: uint32(validity), ModSeq: uid.ModSeq(modSeq)}

	rest := list[2:]
	if len(rest) > 0 && !rest[0].IsList {
		known, err := parseNumSet(rest[0].Value)
		if err != nil {
			return nil, fmt.Errorf("%w: known uids: %v", ErrBadParams, err)
		}
		qr.KnownUIDs = known
		rest = rest[1:]
	}
	if len(rest) > 0 {
		if !rest[0].IsList || len(rest[0].List) != 2 {
			return nil, fmt.Errorf("%w: match data needs a sequence set and a uid set", ErrBadParams)
		}
		if err := qr.parseMatchData(rest[0].List[0].Value, rest[0].List[1].Value); err != nil {
			return nil, err
		}
		rest = rest[1:]
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing QRESYNC data", ErrBadParams)
	}
	return qr, nil
}

func (qr *QResyncParams) parseMatchData(seqText, uidText string) error {
	seqs, err := parseNumSet(seqText)
	if err != nil {
		return fmt.Errorf("%w: match sequence set: %v", ErrBadParams, err)
	}
	uids, err := parseNumSet(uidText)
	if err != nil {
		return fmt.Errorf("%w: match uid set: %v", ErrBadParams, err)
	}
	if seqs.Count() != uids.Count() {
		return fmt.Errorf("%w: match sets must be of equal length", ErrBadParams)
	}
	if !seqs.StrictlyIncreasing() || !uids.StrictlyIncreasing() {
		return fmt.Errorf("%w: match sets must be strictly increasing", ErrBadParams)
	}
	qr.SeqMatch, qr.UIDMatch = seqs, uids
	return nil
}

// parseNumSet parses a sequence-set that may not use "*".
func parseNumSet(s string) (uid.Set, error) {
	set, err := uid.Parse(s)
	if err != nil {
		return nil, err
	}
	if set.HasStar() {
		return nil, uid.ErrSyntax
	}
	return set, nil
}
