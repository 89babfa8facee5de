package simulate

import (
	"fmt"
	"math/rand"

	"github.com/templetwo/threshold-protocols/pkg/detect"
)

// Base priors per scenario before per-run adjustment. These bias the
// per-run score the same way the selection frequencies bias the final
// probabilities.
var basePriors = map[Scenario]float64{
	ScenarioReorganize:        0.30,
	ScenarioPartialReorganize: 0.25,
	ScenarioDefer:             0.20,
	ScenarioRollback:          0.10,
	ScenarioIncremental:       0.15,
}

// severityMultiplier weights scores by how urgent the triggering event
// is. Higher severity favors action over deferral.
func severityMultiplier(s detect.Severity) float64 {
	switch s {
	case detect.SeverityWarning:
		return 1.1
	case detect.SeverityCritical:
		return 1.3
	case detect.SeverityEmergency:
		return 1.5
	default:
		return 1.0
	}
}

// sideEffectPenalty discounts scores for risky effect tags.
var sideEffectPenalty = map[string]float64{
	"data_loss_risk":               0.25,
	"potential_path_loss":          0.15,
	"structure_changed":            0.05,
	"partial_modification":         0.05,
	"organic_growth_risk":          0.10,
	"threshold_may_increase":       0.05,
	"requires_backup_verification": 0.05,
}

// evaluateScenario applies one scenario to the run's variant graph and
// scores it. The score combines the scenario prior, a reversibility
// bias, the side-effect penalty and the event severity.
func evaluateScenario(sc Scenario, variant *stateGraph, event detect.ThresholdEvent, rng *rand.Rand) (runSample, error) {
	final, effects, err := applyScenario(sc, variant, rng)
	if err != nil {
		return runSample{}, err
	}
	rev := editDistanceReversibility(variant, final)

	score := basePriors[sc]
	score *= 0.8 + 0.4*rev
	score *= severityMultiplier(event.Severity)
	for _, e := range effects {
		score -= sideEffectPenalty[e]
	}

	return runSample{
		reversibility: rev,
		effects:       effects,
		stateHash:     final.hash(),
		score:         score,
	}, nil
}

// applyScenario mutates a copy of the variant according to the scenario's
// transformation and reports the structural side effects.
func applyScenario(sc Scenario, variant *stateGraph, rng *rand.Rand) (*stateGraph, []string, error) {
	state := variant.clone()
	var effects []string

	switch sc {
	case ScenarioReorganize:
		// Rewire a third of the edges.
		edges := state.sortedEdges()
		nodes := state.sortedNodes()
		if len(nodes) > 2 {
			removed := len(edges) / 3
			for _, e := range edges[:removed] {
				delete(state.edges, e)
			}
			for i := 0; i < removed; i++ {
				from := nodes[rng.Intn(len(nodes))]
				to := nodes[rng.Intn(len(nodes))]
				if from != to {
					state.addEdge(from, to)
				}
			}
			effects = append(effects, "structure_changed", "potential_path_loss")
		}

	case ScenarioPartialReorganize:
		// Detach a quarter of the nodes from one successor each.
		nodes := state.sortedNodes()
		subset := len(nodes) / 4
		if subset < 1 {
			subset = 1
		}
		for i := 0; i < subset && i < len(nodes); i++ {
			n := nodes[rng.Intn(len(nodes))]
			for _, e := range state.sortedEdges() {
				if e[0] == n {
					delete(state.edges, e)
					break
				}
			}
		}
		effects = append(effects, "partial_modification")

	case ScenarioDefer:
		// No structural change; model drift risk.
		if rng.Float64() < 0.3 {
			effects = append(effects, "organic_growth_risk")
		}
		if rng.Float64() < 0.2 {
			effects = append(effects, "threshold_may_increase")
		}

	case ScenarioRollback:
		// Shed the most recent additions.
		nodes := state.sortedNodes()
		if len(nodes) > 10 {
			for _, n := range nodes[len(nodes)-5:] {
				delete(state.nodes, n)
				for _, e := range state.sortedEdges() {
					if e[0] == n || e[1] == n {
						delete(state.edges, e)
					}
				}
			}
		}
		effects = append(effects, "data_loss_risk", "requires_backup_verification")

	case ScenarioIncremental:
		// Stage one organizational node.
		nodes := state.sortedNodes()
		if len(nodes) > 0 {
			id := fmt.Sprintf("staged_%06x", rng.Intn(1<<24))
			state.addNode(id)
			state.addEdge(nodes[rng.Intn(len(nodes))], id)
		}
		effects = append(effects, "minimal_disruption")

	default:
		return nil, nil, fmt.Errorf("simulate: unknown scenario %q", sc)
	}

	return state, effects, nil
}
