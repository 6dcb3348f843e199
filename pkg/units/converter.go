// Unit conversion between syringe volumes and stepper steps
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package units maps physical quantities (mm, mL, mL/h) to the step
// counts and step rates the pump controller understands.
package units

import (
	perrors "poseidon-go-host/pkg/errors"
)

// Default drive geometry: 200 full steps per revolution on a 0.8 mm lead
// screw, driven at 32 microsteps.
const (
	DefaultMMPerRotation     = 0.8
	DefaultStepsPerRotation  = 200
	DefaultMicrostepsPerStep = 32
)

const (
	mm3PerML       = 1000.0
	secondsPerHour = 3600.0
)

// Geometry describes the drive train shared by all channels.
type Geometry struct {
	MMPerRotation     float64
	StepsPerRotation  float64
	MicrostepsPerStep float64
}

// DefaultGeometry returns the stock drive geometry.
func DefaultGeometry() Geometry {
	return Geometry{
		MMPerRotation:     DefaultMMPerRotation,
		StepsPerRotation:  DefaultStepsPerRotation,
		MicrostepsPerStep: DefaultMicrostepsPerStep,
	}
}

// Validate checks that every constant is strictly positive.
func (g Geometry) Validate() error {
	if !(g.MMPerRotation > 0) {
		return perrors.PreconditionViolation("mm-per-rotation", g.MMPerRotation, "must be above 0")
	}
	if !(g.StepsPerRotation > 0) {
		return perrors.PreconditionViolation("steps-per-rotation", g.StepsPerRotation, "must be above 0")
	}
	if !(g.MicrostepsPerStep > 0) {
		return perrors.PreconditionViolation("microsteps", g.MicrostepsPerStep, "must be above 0")
	}
	return nil
}

// ValidateArea checks a syringe cross-section in mm².
func ValidateArea(option string, area float64) error {
	if !(area > 0) {
		return perrors.PreconditionViolation(option, area, "must be above 0")
	}
	return nil
}

// Converter performs conversions for a validated geometry. Syringe areas
// passed to its methods must already be validated; no per-call checks
// are made.
type Converter struct {
	geometry   Geometry
	stepsPerMM float64
}

// NewConverter validates g and returns a converter for it.
func NewConverter(g Geometry) (*Converter, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &Converter{
		geometry:   g,
		stepsPerMM: g.StepsPerRotation * g.MicrostepsPerStep / g.MMPerRotation,
	}, nil
}

// Geometry returns the drive geometry.
func (c *Converter) Geometry() Geometry {
	return c.geometry
}

// StepsPerMM returns the derived steps per millimetre of plunger travel.
func (c *Converter) StepsPerMM() float64 {
	return c.stepsPerMM
}

// MMToSteps converts plunger travel to steps.
func (c *Converter) MMToSteps(mm float64) float64 {
	return mm * c.stepsPerMM
}

// StepsToMM converts steps to plunger travel.
func (c *Converter) StepsToMM(steps float64) float64 {
	return steps / c.stepsPerMM
}

// MMPerML returns plunger travel per millilitre for a syringe area in mm².
func MMPerML(area float64) float64 {
	return mm3PerML / area
}

// MLToMM converts a volume to plunger travel.
func MLToMM(ml, area float64) float64 {
	return ml * MMPerML(area)
}

// MMToML converts plunger travel to a volume.
func MMToML(mm, area float64) float64 {
	return mm / MMPerML(area)
}

// MLToSteps converts a volume to steps.
func (c *Converter) MLToSteps(ml, area float64) float64 {
	return c.MMToSteps(MLToMM(ml, area))
}

// StepsToML converts steps to a volume.
func (c *Converter) StepsToML(steps, area float64) float64 {
	return MMToML(c.StepsToMM(steps), area)
}

// MLPerHourToStepsPerSec converts a flow rate to a step rate.
func (c *Converter) MLPerHourToStepsPerSec(mlPerHour, area float64) float64 {
	return c.MMToSteps(MLToMM(mlPerHour/secondsPerHour, area))
}

// GetRunParameters returns the absolute step target that dispenses
// volumeML from the current position, and the step rate for flowMLPerHour.
func (c *Converter) GetRunParameters(area, volumeML, flowMLPerHour float64, current int64) (target, stepsPerSec float64) {
	target = float64(current) + c.MLToSteps(volumeML, area)
	stepsPerSec = c.MLPerHourToStepsPerSec(flowMLPerHour, area)
	return target, stepsPerSec
}

// GetJogParameters returns the absolute step target for a jog of
// distanceMM in direction (+1 or -1), and the step rate for speedMMPerSec.
func (c *Converter) GetJogParameters(direction, distanceMM, speedMMPerSec float64, current int64) (target, stepsPerSec float64) {
	target = float64(current) + c.MMToSteps(direction*distanceMM)
	stepsPerSec = c.MMToSteps(speedMMPerSec)
	return target, stepsPerSec
}
