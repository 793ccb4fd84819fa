package orchestrator

import (
	"errors"
	"fmt"
)

// Step is where the connection sequence currently stands.
type Step int

const (
	StepSelectProbe Step = iota
	StepConnectControlLink
	StepPowerProbe
	StepWaitNetworkReady
	StepJoinDataLink
	StepOpenSession
	StepCheckCertificate
	StepLoadApplication
	StepImagingReady
	StepImaging

	numSteps = int(StepImaging) + 1
)

var stepNames = [numSteps]string{
	"select-probe",
	"connect-control-link",
	"power-probe",
	"wait-network-ready",
	"join-data-link",
	"open-session",
	"check-certificate",
	"load-application",
	"imaging-ready",
	"imaging",
}

func (s Step) String() string {
	if s < 0 || int(s) >= numSteps {
		return fmt.Sprintf("Step(%d)", int(s))
	}
	return stepNames[s]
}

// Facts is the current truth about each transport, as last reported.
type Facts struct {
	ProbeSelected        bool
	ShouldConnect        bool
	ControlLinkConnected bool
	ProbePowered         bool
	NetworkReady         bool
	DataLinkJoined       bool
	SessionConnected     bool
	CertificateValid     bool
	ApplicationLoaded    bool
	Imaging              bool
}

// ErrTransitionCycle means the transition relation revisited a step within
// one settle pass. It indicates a broken relation, never a runtime condition.
var ErrTransitionCycle = errors.New("orchestrator: transition cycle")

// Relation maps the current step and facts to the next step.
type Relation func(Step, Facts) Step

// Next is the connection transition relation. Every step after selection
// falls back to StepSelectProbe when no probe is selected; otherwise the
// first matching back edge wins, then the forward edge.
func Next(s Step, f Facts) Step {
	if s != StepSelectProbe && !f.ProbeSelected {
		return StepSelectProbe
	}

	switch s {
	case StepSelectProbe:
		if f.ProbeSelected && f.ShouldConnect {
			return StepConnectControlLink
		}
	case StepConnectControlLink:
		if f.ControlLinkConnected {
			return StepPowerProbe
		}
	case StepPowerProbe:
		if !f.ControlLinkConnected {
			return StepConnectControlLink
		}
		if f.ProbePowered {
			return StepWaitNetworkReady
		}
	case StepWaitNetworkReady:
		if !f.ControlLinkConnected {
			return StepConnectControlLink
		}
		if !f.ProbePowered {
			return StepPowerProbe
		}
		if f.NetworkReady {
			return StepJoinDataLink
		}
	case StepJoinDataLink:
		if !f.NetworkReady {
			return StepWaitNetworkReady
		}
		if f.DataLinkJoined {
			return StepOpenSession
		}
	case StepOpenSession:
		if !f.DataLinkJoined {
			return StepJoinDataLink
		}
		if f.SessionConnected {
			return StepCheckCertificate
		}
	case StepCheckCertificate:
		if !f.SessionConnected {
			return StepOpenSession
		}
		if f.CertificateValid {
			return StepLoadApplication
		}
	case StepLoadApplication:
		if !f.SessionConnected {
			return StepOpenSession
		}
		if f.ApplicationLoaded {
			return StepImagingReady
		}
	case StepImagingReady:
		if !f.SessionConnected {
			return StepOpenSession
		}
		if f.Imaging {
			return StepImaging
		}
	case StepImaging:
		if !f.SessionConnected {
			return StepOpenSession
		}
		if !f.Imaging {
			return StepImagingReady
		}
	}
	return s
}

// settle applies rel until the step stops changing and returns the final
// step plus every step entered on the way. A step entered twice aborts with
// ErrTransitionCycle and the last step reached before the repeat.
func settle(from Step, f Facts, rel Relation) (Step, []Step, error) {
	var visited [numSteps]bool
	if from >= 0 && int(from) < numSteps {
		visited[from] = true
	}

	var path []Step
	cur := from
	for {
		next := rel(cur, f)
		if next == cur {
			return cur, path, nil
		}
		if next < 0 || int(next) >= numSteps || visited[next] {
			return cur, path, fmt.Errorf("%w: %s -> %s after %v", ErrTransitionCycle, cur, next, path)
		}
		visited[next] = true
		path = append(path, next)
		cur = next
	}
}
