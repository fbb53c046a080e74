package cluster

// Band is a reflectivity threshold used for clustering and contouring. Bands are
// cumulative: a sample belongs to every band whose MinDbz it reaches.
type Band struct {
	Label           string
	MinDbz          float64
	MaxDbz          float64
	Color           string
	BackgroundColor string
}

// DefaultBands is ordered by increasing MinDbz.
var DefaultBands = []Band{
	{Label: "Light", MinDbz: 7, MaxDbz: 15, Color: "#019FF4", BackgroundColor: "#019FF433"},
	{Label: "Moderate", MinDbz: 15, MaxDbz: 25, Color: "#02FD02", BackgroundColor: "#02FD0233"},
	{Label: "Heavy", MinDbz: 25, MaxDbz: 35, Color: "#008E00", BackgroundColor: "#008E0033"},
	{Label: "Very Heavy", MinDbz: 35, MaxDbz: 45, Color: "#FDF802", BackgroundColor: "#FDF80233"},
	{Label: "Intense", MinDbz: 45, MaxDbz: 55, Color: "#FD9500", BackgroundColor: "#FD950033"},
	{Label: "Extreme", MinDbz: 55, MaxDbz: 100, Color: "#D40000", BackgroundColor: "#D4000033"},
}

// Tier groups bands by intensity for parameter selection.
type Tier int

const (
	TierLight Tier = iota
	TierModerate
	TierHeavy
	TierExtreme
)

func (t Tier) String() string {
	switch t {
	case TierLight:
		return "light"
	case TierModerate:
		return "moderate"
	case TierHeavy:
		return "heavy"
	case TierExtreme:
		return "extreme"
	default:
		return "unknown"
	}
}

// TierFor maps a band's minimum reflectivity to its tier.
func TierFor(minDbz float64) Tier {
	switch {
	case minDbz < 15:
		return TierLight
	case minDbz < 30:
		return TierModerate
	case minDbz < 45:
		return TierHeavy
	default:
		return TierExtreme
	}
}

// Distance breakpoints in degrees from the radar origin.
const (
	NearDistance   = 1.0
	MediumDistance = 2.0
)
