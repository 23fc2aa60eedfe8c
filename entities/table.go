package entities

// 桌面尺寸（逻辑坐标）
const (
	TableWidth  = 1600.0
	TableHeight = 1000.0
	CardWidth   = 100.0
	CardHeight  = 140.0

	PrivateZoneHeight = 180.0
)

type Rect struct {
	X, Y, W, H float64
}

// Contains is an axis-aligned containment test; edges count as inside.
func (r Rect) Contains(p Position) bool {
	return p.X >= r.X && p.X <= r.X+r.W && p.Y >= r.Y && p.Y <= r.Y+r.H
}

// PrivateZone is the strip along the bottom edge where a player keeps a hidden hand.
var PrivateZone = Rect{X: 0, Y: TableHeight - PrivateZoneHeight, W: TableWidth, H: PrivateZoneHeight}

// CardCenter converts a card's top-left position into its center point.
func CardCenter(p Position) Position {
	return Position{X: p.X + CardWidth/2, Y: p.Y + CardHeight/2}
}

func InPrivateZone(topLeft Position) bool {
	return PrivateZone.Contains(CardCenter(topLeft))
}
