package problem

import (
	"math"
	"math/rand"

	"pleione/internal/model"
)

const (
	cartGravity        = 9.81
	cartMass           = 1.0
	poleMass           = 0.1
	poleHalfLength     = 0.5
	cartTotalMass      = cartMass + poleMass
	cartPoleMassLength = poleMass * poleHalfLength
	cartForceMax       = 10.0
	cartTau            = 0.02

	cartXThreshold     = 2.4
	cartThetaThreshold = 12.0 * math.Pi / 180.0
	cartMaxSteps       = 500
)

// CartPole is the continuous-force balancing task. Episodes truncate at the
// step limit; leaving the position or angle band is a true terminal.
type CartPole struct {
	x, xDot, theta, thetaDot float64
	steps                    int
	rng                      *rand.Rand
}

func NewCartPole() *CartPole {
	return &CartPole{rng: rand.New(rand.NewSource(1))}
}

func (c *CartPole) Name() string { return "cart-pole" }

func (c *CartPole) StateDimension() int { return 4 }

func (c *CartPole) ActionDimension() int { return 1 }

func (c *CartPole) ActionLowerBounds() []float64 { return []float64{-cartForceMax} }

func (c *CartPole) ActionUpperBounds() []float64 { return []float64{cartForceMax} }

func (c *CartPole) Reset(seed int64) []float64 {
	c.rng = rand.New(rand.NewSource(seed))
	c.x = c.rng.Float64()*0.1 - 0.05
	c.xDot = c.rng.Float64()*0.1 - 0.05
	c.theta = c.rng.Float64()*0.1 - 0.05
	c.thetaDot = c.rng.Float64()*0.1 - 0.05
	c.steps = 0
	return c.state()
}

func (c *CartPole) Step(action []float64) ([]float64, float64, model.TerminationKind) {
	force := 0.0
	if len(action) > 0 {
		force = math.Max(-cartForceMax, math.Min(cartForceMax, action[0]))
	}

	cosTheta := math.Cos(c.theta)
	sinTheta := math.Sin(c.theta)

	temp := (force + cartPoleMassLength*c.thetaDot*c.thetaDot*sinTheta) / cartTotalMass
	thetaAcc := (cartGravity*sinTheta - cosTheta*temp) / (poleHalfLength * (4.0/3.0 - poleMass*cosTheta*cosTheta/cartTotalMass))
	xAcc := temp - cartPoleMassLength*thetaAcc*cosTheta/cartTotalMass

	c.x += cartTau * c.xDot
	c.xDot += cartTau * xAcc
	c.theta += cartTau * c.thetaDot
	c.thetaDot += cartTau * thetaAcc
	c.steps++

	failed := c.x < -cartXThreshold || c.x > cartXThreshold ||
		c.theta < -cartThetaThreshold || c.theta > cartThetaThreshold
	switch {
	case failed:
		return c.state(), 0.0, model.Terminal
	case c.steps >= cartMaxSteps:
		return c.state(), 1.0, model.Truncated
	default:
		return c.state(), 1.0, model.NonTerminal
	}
}

func (c *CartPole) state() []float64 {
	return []float64{c.x, c.xDot, c.theta, c.thetaDot}
}
