package chess

import (
	"fmt"
	"math"
	"strings"

	"github.com/j-secco/ur10-kiosk-controller/pkg/robot"
)

// Calibration maps board squares into the arm's base frame. The board may sit
// anywhere on the table at any rotation; angle/dx/dy come from the
// calibration procedure, the rest from the physical set.
type Calibration struct {
	// Angle is the board rotation about the base Z axis, radians.
	Angle float64 `yaml:"angle" json:"angle"`
	// DX/DY translate the board center into the base frame, meters.
	DX float64 `yaml:"dx" json:"dx"`
	DY float64 `yaml:"dy" json:"dy"`
	// SquareSize is the square edge length, meters.
	SquareSize float64 `yaml:"square_size" json:"squareSize"`
	// SurfaceZ is the Z of the board surface in the base frame.
	SurfaceZ float64 `yaml:"surface_z" json:"surfaceZ"`
	// LiftZ is the travel height for transits above the board.
	LiftZ float64 `yaml:"lift_z" json:"liftZ"`
	// GripRX/RY/RZ is the fixed tool-down orientation for all board work.
	GripRX float64 `yaml:"grip_rx" json:"gripRx"`
	GripRY float64 `yaml:"grip_ry" json:"gripRy"`
	GripRZ float64 `yaml:"grip_rz" json:"gripRz"`
	// BinPose is where captured pieces are dropped.
	BinPose robot.Pose `yaml:"bin_pose" json:"binPose"`
	// PieceHeights maps piece letter (P N B R Q K) to height in meters.
	PieceHeights map[string]float64 `yaml:"piece_heights" json:"pieceHeights"`
}

// DefaultCalibration matches a standard tournament set centered in front of
// the arm.
func DefaultCalibration() Calibration {
	return Calibration{
		Angle:      0,
		DX:         0.45,
		DY:         0,
		SquareSize: 0.055,
		SurfaceZ:   0.02,
		LiftZ:      0.20,
		GripRX:     math.Pi,
		BinPose:    robot.Pose{X: 0.45, Y: -0.35, Z: 0.15, RX: math.Pi},
		PieceHeights: map[string]float64{
			"P": 0.045,
			"N": 0.055,
			"B": 0.060,
			"R": 0.048,
			"Q": 0.070,
			"K": 0.080,
		},
	}
}

// SquarePose returns the TCP pose centered over a square at the board
// surface, in the base frame.
func (c Calibration) SquarePose(square string) (robot.Pose, error) {
	file, rank, err := parseSquare(square)
	if err != nil {
		return robot.Pose{}, err
	}

	// Square centers in board-local coordinates, origin at board center.
	lx := (float64(file) - 3.5) * c.SquareSize
	ly := (float64(rank) - 3.5) * c.SquareSize

	sin, cos := math.Sin(c.Angle), math.Cos(c.Angle)
	return robot.Pose{
		X:  c.DX + lx*cos - ly*sin,
		Y:  c.DY + lx*sin + ly*cos,
		Z:  c.SurfaceZ,
		RX: c.GripRX,
		RY: c.GripRY,
		RZ: c.GripRZ,
	}, nil
}

// PieceHeight returns the grip height for a piece letter, falling back to the
// pawn height for unknown letters.
func (c Calibration) PieceHeight(piece string) float64 {
	if h, ok := c.PieceHeights[strings.ToUpper(piece)]; ok {
		return h
	}
	if h, ok := c.PieceHeights["P"]; ok {
		return h
	}
	return 0.045
}

// Validate rejects a calibration that cannot produce reachable poses.
func (c Calibration) Validate() error {
	if c.SquareSize <= 0 {
		return fmt.Errorf("%w: square size must be positive", robot.ErrMalformed)
	}
	if c.LiftZ <= c.SurfaceZ {
		return fmt.Errorf("%w: lift height must be above the board surface", robot.ErrMalformed)
	}
	return nil
}

func parseSquare(square string) (file, rank int, err error) {
	if len(square) != 2 {
		return 0, 0, fmt.Errorf("%w: square %q", robot.ErrMalformed, square)
	}
	s := strings.ToLower(square)
	file = int(s[0] - 'a')
	rank = int(s[1] - '1')
	if file < 0 || file > 7 || rank < 0 || rank > 7 {
		return 0, 0, fmt.Errorf("%w: square %q", robot.ErrMalformed, square)
	}
	return file, rank, nil
}

// Board tracks logical piece occupancy. It is the source of truth for what
// sits on each square; the physical board follows it, never the other way
// around.
type Board struct {
	squares map[string]string
}

// NewBoard returns the standard starting position. Piece letters are
// uppercase for white, lowercase for black.
func NewBoard() *Board {
	b := &Board{squares: make(map[string]string)}
	back := []string{"R", "N", "B", "Q", "K", "B", "N", "R"}
	files := "abcdefgh"
	for i := 0; i < 8; i++ {
		f := string(files[i])
		b.squares[f+"1"] = back[i]
		b.squares[f+"2"] = "P"
		b.squares[f+"7"] = "p"
		b.squares[f+"8"] = strings.ToLower(back[i])
	}
	return b
}

// At returns the piece on a square, empty string when vacant.
func (b *Board) At(square string) string {
	return b.squares[strings.ToLower(square)]
}

// apply commits a completed move. Callers validate first.
func (b *Board) apply(m Move) {
	from := strings.ToLower(m.From)
	to := strings.ToLower(m.To)
	piece := b.squares[from]
	delete(b.squares, from)
	if m.Promotion != "" {
		if piece != "" && piece == strings.ToLower(piece) {
			b.squares[to] = strings.ToLower(m.Promotion)
		} else {
			b.squares[to] = strings.ToUpper(m.Promotion)
		}
	} else {
		b.squares[to] = piece
	}
}

// Snapshot returns a copy of the occupancy map.
func (b *Board) Snapshot() map[string]string {
	out := make(map[string]string, len(b.squares))
	for sq, p := range b.squares {
		out[sq] = p
	}
	return out
}
