package board

// Counts summarizes material on a Grid.
type Counts struct {
	Pieces        int // every piece, kings and pawns included
	Minor         int // knights and bishops
	Major         int // rooks and queens
	Bishops       int
	Knights       int
	OpenFiles     int // no pawns of either color
	HalfOpenFiles int // pawns of exactly one color
}

// Count tallies the material on g.
func (g Grid) Count() Counts {
	var c Counts
	for file := 0; file < 8; file++ {
		white, black := 0, 0
		for rank := 0; rank < 8; rank++ {
			p := g[rank][file]
			if p == 0 {
				continue
			}
			c.Pieces++
			switch p {
			case 'n', 'N':
				c.Minor++
				c.Knights++
			case 'b', 'B':
				c.Minor++
				c.Bishops++
			case 'r', 'R', 'q', 'Q':
				c.Major++
			case 'P':
				white++
			case 'p':
				black++
			}
		}
		switch {
		case white == 0 && black == 0:
			c.OpenFiles++
		case white == 0 || black == 0:
			c.HalfOpenFiles++
		}
	}
	return c
}

// Complexity scores how busy a position is, in [0,1]. Material, pieces
// and open lines all push it up.
func (g Grid) Complexity() float64 {
	c := g.Count()
	score := float64(c.Pieces)*0.7 +
		float64(c.Minor)*1.5 + float64(c.Major)*2.0 +
		float64(c.OpenFiles)*3.5 + float64(c.HalfOpenFiles)*1.8
	score /= 60
	if score > 1 {
		return 1
	}
	return score
}

// Strategic reports whether the position calls for a long think: a complex
// board, a crowded middlegame, or a minor-piece imbalance.
func (g Grid) Strategic() bool {
	c := g.Count()
	complexity := g.Complexity()
	crowded := c.Pieces > 20 && c.Pieces < 30
	imbalance := abs(c.Bishops-c.Knights) >= 2
	heavy := (c.Minor >= 4 || c.Major >= 3) && complexity > 0.5
	return complexity > 0.40 || crowded || imbalance || heavy
}

// Analysis bundles the measurements the budget and policy code need.
type Analysis struct {
	Complexity float64
	Strategic  bool
}

// Analyze parses placement and measures it. A malformed placement yields a
// zero Analysis.
func Analyze(placement string) Analysis {
	g, err := Parse(placement)
	if err != nil {
		return Analysis{}
	}
	return Analysis{Complexity: g.Complexity(), Strategic: g.Strategic()}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
