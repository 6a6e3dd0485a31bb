// Package census describes the census schema: boundary resolutions, their
// per-year metadata, and validated identifiers for building SQL against the
// data, boundary and web schemas.
package census

import "slices"

// Resolution is an administrative or statistical boundary level.
type Resolution string

// Zoom pyramid tiers, coarse to fine.
const (
	State     Resolution = "ste"
	SA4       Resolution = "sa4"
	SA3       Resolution = "sa3"
	SA2       Resolution = "sa2"
	SA1       Resolution = "sa1"
	MeshBlock Resolution = "mb"
)

// tierOrder ranks the resolutions used by the zoom pyramid.
var tierOrder = []Resolution{State, SA4, SA3, SA2, SA1, MeshBlock}

// knownResolutions lists every boundary that may appear in census metadata.
var knownResolutions = map[Resolution]bool{
	"add": true, "ced": true, "gccsa": true, "iare": true, "iloc": true,
	"ireg": true, "lga": true, "mb": true, "nrmr": true, "poa": true,
	"ra": true, "sa1": true, "sa2": true, "sa3": true, "sa4": true,
	"sed": true, "sla": true, "sos": true, "sosr": true, "ssc": true,
	"ste": true, "sua": true, "tr": true, "ucl": true,
}

// Valid reports whether r is a known census boundary.
func (r Resolution) Valid() bool {
	return knownResolutions[r]
}

// Rank returns the position of r in the zoom pyramid (0 = coarsest), or -1
// when r is not a pyramid tier.
func (r Resolution) Rank() int {
	return slices.Index(tierOrder, r)
}

// CoarserOrEqual reports whether r is no finer than other in the zoom pyramid.
func (r Resolution) CoarserOrEqual(other Resolution) bool {
	return r.Rank() >= 0 && other.Rank() >= 0 && r.Rank() <= other.Rank()
}

func (r Resolution) String() string { return string(r) }
