package chess

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/j-secco/ur10-kiosk-controller/pkg/robot"
)

func TestSquarePoseUnrotated(t *testing.T) {
	cal := DefaultCalibration()
	cal.Angle = 0

	a1, err := cal.SquarePose("a1")
	require.NoError(t, err)
	require.InDelta(t, cal.DX-3.5*cal.SquareSize, a1.X, 1e-9)
	require.InDelta(t, cal.DY-3.5*cal.SquareSize, a1.Y, 1e-9)
	require.InDelta(t, cal.SurfaceZ, a1.Z, 1e-9)

	h8, err := cal.SquarePose("h8")
	require.NoError(t, err)
	require.InDelta(t, cal.DX+3.5*cal.SquareSize, h8.X, 1e-9)
	require.InDelta(t, cal.DY+3.5*cal.SquareSize, h8.Y, 1e-9)

	// The board center sits between d4/e5.
	d4, err := cal.SquarePose("d4")
	require.NoError(t, err)
	e5, err := cal.SquarePose("e5")
	require.NoError(t, err)
	require.InDelta(t, cal.DX, (d4.X+e5.X)/2, 1e-9)
	require.InDelta(t, cal.DY, (d4.Y+e5.Y)/2, 1e-9)
}

func TestSquarePoseRotated(t *testing.T) {
	cal := DefaultCalibration()
	cal.Angle = math.Pi / 2

	// A quarter turn maps the local x offset onto the base y axis.
	a1, err := cal.SquarePose("a1")
	require.NoError(t, err)
	require.InDelta(t, cal.DX+3.5*cal.SquareSize, a1.X, 1e-9)
	require.InDelta(t, cal.DY-3.5*cal.SquareSize, a1.Y, 1e-9)
}

func TestSquarePoseCaseInsensitive(t *testing.T) {
	cal := DefaultCalibration()

	lower, err := cal.SquarePose("e4")
	require.NoError(t, err)
	upper, err := cal.SquarePose("E4")
	require.NoError(t, err)
	require.Equal(t, lower, upper)
}

func TestSquarePoseRejectsBadInput(t *testing.T) {
	cal := DefaultCalibration()
	for _, bad := range []string{"", "e", "e9", "i4", "e44", "44"} {
		_, err := cal.SquarePose(bad)
		require.True(t, errors.Is(err, robot.ErrMalformed), "square %q should be rejected", bad)
	}
}

func TestPieceHeightFallback(t *testing.T) {
	cal := DefaultCalibration()
	require.Equal(t, 0.080, cal.PieceHeight("K"))
	require.Equal(t, 0.080, cal.PieceHeight("k"))
	require.Equal(t, cal.PieceHeights["P"], cal.PieceHeight("?"))
}

func TestCalibrationValidate(t *testing.T) {
	cal := DefaultCalibration()
	require.NoError(t, cal.Validate())

	bad := cal
	bad.SquareSize = 0
	require.Error(t, bad.Validate())

	bad = cal
	bad.LiftZ = bad.SurfaceZ - 0.01
	require.Error(t, bad.Validate())
}

func TestNewBoardStartingPosition(t *testing.T) {
	b := NewBoard()

	require.Equal(t, "R", b.At("a1"))
	require.Equal(t, "K", b.At("e1"))
	require.Equal(t, "P", b.At("e2"))
	require.Equal(t, "p", b.At("e7"))
	require.Equal(t, "k", b.At("e8"))
	require.Equal(t, "", b.At("e4"))
	require.Len(t, b.Snapshot(), 32)
}

func TestBoardApplyMove(t *testing.T) {
	b := NewBoard()

	b.apply(Move{From: "e2", To: "e4"})
	require.Equal(t, "", b.At("e2"))
	require.Equal(t, "P", b.At("e4"))
}

func TestBoardApplyPromotion(t *testing.T) {
	b := NewBoard()

	// White pawn promoting keeps white's case; black keeps black's.
	b.apply(Move{From: "e2", To: "e8", Promotion: "q"})
	require.Equal(t, "Q", b.At("e8"))

	b.apply(Move{From: "e7", To: "e1", Promotion: "Q"})
	require.Equal(t, "q", b.At("e1"))
}
