// Package saem implements the stochastic-approximation EM driver (spec
// §4.6): an E-step that advances one Metropolis-Hastings chain per subject
// (per chain, when running multiple replicate chains), a decreasing-weight
// sufficient-statistic update, and an M-step that folds the statistics back
// into theta/Omega/sigma2.
//
// Grounded on the teacher's concurrent-estimation shape (OLSEstimator /
// VARModel.Estimate in ADGArrio's functions.go: one goroutine-free pass
// building up sums before a closed-form update) generalized to SAEM's
// genuinely parallel per-subject E-step with goroutines + sync.WaitGroup,
// per spec §5's scheduling model.
package saem

import (
	"context"
	"math"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"poppk/internal/data"
	"poppk/internal/estimation"
	"poppk/internal/integrate"
	"poppk/internal/likelihood"
	"poppk/internal/mcmc"
	"poppk/internal/modelspec"
	"poppk/internal/perr"
	"poppk/internal/predict"
)

// Config holds the SAEM run parameters from spec §6's CLI surface.
type Config struct {
	KTotal     int // total iterations
	KBurn      int // burn-in iterations
	NChains    int
	MasterSeed int64
}

// DefaultConfig returns spec §6's SAEM defaults (1000 iterations, 200
// burn-in, 4 chains).
func DefaultConfig() Config {
	return Config{KTotal: 1000, KBurn: 200, NChains: 4, MasterSeed: 1}
}

// Driver runs the SAEM loop for one structural model against one dataset.
type Driver struct {
	ig      integrate.Integrator
	model   modelspec.Model
	dataset *data.Dataset
	cfg     Config
}

// New builds a Driver. dataset is bound here rather than at Fit-time so
// Driver satisfies estimation.Estimator with a dataset argument that must
// match what it was constructed with (checked defensively in Fit).
func New(model modelspec.Model, dataset *data.Dataset, cfg Config) *Driver {
	return &Driver{ig: integrate.New(), model: model, dataset: dataset, cfg: cfg}
}

const consecutiveFailLimit = 10

// subjectState is the per-subject mutable state the E-step advances and the
// M-step reads back sequentially.
type subjectState struct {
	subj             *data.Subject
	chains           []*mcmc.Chain
	consecutiveFails int
}

// Fit runs the SAEM loop to completion or until ctx is cancelled, producing
// population parameters, per-subject eta estimates, and the parameter
// trajectory.
func (d *Driver) Fit(ctx context.Context, dataset *data.Dataset) (*estimation.EstimationResult, error) {
	if dataset != d.dataset {
		return nil, &perr.ModelConfigurationError{Reason: "saem: Fit called with a different dataset than the driver was constructed with"}
	}

	p := d.model.NParams()
	subjects := dataset.SubjectsInOrder()
	nObs := dataset.NumObservations()
	if nObs == 0 {
		return nil, &perr.DataValidationError{Reason: "dataset has no observations to fit"}
	}

	theta := make([]float64, p)
	for i, v := range d.model.Defaults {
		theta[i] = math.Log(v)
	}
	omegaDiag := make([]float64, p*p)
	for i := 0; i < p; i++ {
		omegaDiag[i*p+i] = 0.09
	}
	omega := mat.NewSymDense(p, omegaDiag)
	sigma2 := 0.1

	states := make([]*subjectState, len(subjects))
	for i, subj := range subjects {
		states[i] = &subjectState{subj: subj}
	}

	sEta := make([]float64, p)
	sEtaEta := mat.NewDense(p, p, nil)
	sEps2 := 0.0

	var trajectory []estimation.TrajectoryPoint

	snap, err := likelihood.PrecomputeOmega(omega)
	if err != nil {
		return nil, err
	}

	d.initChains(states, theta, snap, sigma2)

	thetaHistory := make([][]float64, 0, d.cfg.KTotal)
	converged := false

	k := 1
	for ; k <= d.cfg.KTotal; k++ {
		select {
		case <-ctx.Done():
			goto done
		default:
		}

		snap, err = likelihood.PrecomputeOmega(omega)
		if err != nil {
			return nil, err
		}
		for _, st := range states {
			for _, c := range st.chains {
				c.Reconfigure(theta, snap, sigma2)
			}
		}

		meanEta, meanEtaEta, meanEps2, anyObs := d.eStep(states, theta, sigma2)
		if anyObs == 0 {
			return nil, &perr.NumericalBreakdownError{Reason: "no subjects produced a valid E-step sample"}
		}

		gamma := stepWeight(k, d.cfg.KBurn)

		for i := range sEta {
			sEta[i] += gamma * (meanEta[i] - sEta[i])
		}
		for i := 0; i < p; i++ {
			for j := 0; j < p; j++ {
				cur := sEtaEta.At(i, j)
				sEtaEta.Set(i, j, cur+gamma*(meanEtaEta.At(i, j)-cur))
			}
		}
		sEps2 += gamma * (meanEps2 - sEps2)

		theta = append([]float64(nil), sEta...)
		omega = projectPSD(sEtaEta, sEta)
		sigma2 = sEps2
		if sigma2 < 1e-10 {
			sigma2 = 1e-10
		}

		thetaHistory = append(thetaHistory, append([]float64(nil), theta...))

		if k%20 == 0 || k == d.cfg.KTotal {
			ll := d.logLikelihood(states, theta, snap, sigma2)
			trajectory = append(trajectory, estimation.TrajectoryPoint{Iteration: k, Theta: append([]float64(nil), theta...), LogLik: ll})
		}

		for _, st := range states {
			if st.consecutiveFails > consecutiveFailLimit {
				return nil, &perr.SubjectIntegrationFailureError{Subject: st.subj.ID, Iteration: k, ConsecutiveFails: st.consecutiveFails}
			}
		}

		if k > d.cfg.KBurn+100 && thetaStable(thetaHistory, p) {
			converged = true
			k++
			break
		}
	}
done:
	if k > d.cfg.KTotal {
		k = d.cfg.KTotal
	}

	snap, err = likelihood.PrecomputeOmega(omega)
	if err != nil {
		return nil, err
	}
	ll := d.logLikelihood(states, theta, snap, sigma2)

	if !converged {
		converged = parameterStabilityConverged(thetaHistory)
	}

	result := &estimation.EstimationResult{
		Method:     "saem",
		ModelKind:  d.model.Kind.String(),
		Theta:      theta,
		Omega:      omega,
		Sigma2:     sigma2,
		Converged:  converged,
		LogLik:     ll,
		OFV:        -2 * ll,
		Iterations: k,
		Trajectory: trajectory,
	}
	if !converged {
		result.Warning = (&perr.DidNotConvergeError{Reason: "SAEM reached the iteration cap without satisfying the relative-change criterion"}).Error()
	}
	for _, st := range states {
		eta := averageChainEta(st.chains)
		result.Etas = append(result.Etas, estimation.IndividualParameters{SubjectID: st.subj.ID, Eta: eta})
		res := predict.Predict(d.ig, d.model, st.subj, theta, eta)
		result.Predictions = append(result.Predictions, toSubjectPrediction(st.subj.ID, res))
	}
	return result, nil
}

// initChains seeds each subject's chains from a draw of the eta prior
// N(0, Omega) (distmv.Normal, via OmegaSnapshot.SampleEta) rather than the
// zero vector, using a deterministic seed derived from
// (masterSeed, subjectID, chainIndex) distinct from the chain's own
// proposal-RNG seed so the starting draw and the subsequent Metropolis
// proposals are independent streams.
func (d *Driver) initChains(states []*subjectState, theta []float64, snap likelihood.OmegaSnapshot, sigma2 float64) {
	for _, st := range states {
		st.chains = make([]*mcmc.Chain, d.cfg.NChains)
		for c := 0; c < d.cfg.NChains; c++ {
			initSeed := mcmc.Seed(d.cfg.MasterSeed, st.subj.ID, -1-c)
			start := snap.SampleEta(rand.New(rand.NewSource(initSeed)))
			seed := mcmc.Seed(d.cfg.MasterSeed, st.subj.ID, c)
			st.chains[c] = mcmc.New(d.ig, d.model, st.subj, theta, snap, sigma2, start, seed)
		}
	}
}

// eStep advances every subject's chains by one step in parallel (spec §5:
// one task per subject), then returns the across-subject, across-chain
// pooled sample means needed for the sufficient-statistic update.
func (d *Driver) eStep(states []*subjectState, theta []float64, sigma2 float64) (meanEta []float64, meanEtaEta *mat.Dense, meanEps2 float64, nSubj int) {
	p := d.model.NParams()
	var wg sync.WaitGroup
	perSubjectEta := make([][]float64, len(states))
	perSubjectEps2 := make([]float64, len(states))

	for i, st := range states {
		wg.Add(1)
		go func(i int, st *subjectState) {
			defer wg.Done()
			chainEtas := make([][]float64, len(st.chains))
			for c, chain := range st.chains {
				chainEtas[c] = chain.Step()
			}
			avg := meanVector(chainEtas, p)
			res := predict.Predict(d.ig, d.model, st.subj, theta, avg)
			if res.Failed {
				st.consecutiveFails++
			} else {
				st.consecutiveFails = 0
			}
			perSubjectEta[i] = avg
			perSubjectEps2[i] = residualSumSquares(res, sigma2)
		}(i, st)
	}
	wg.Wait()

	// The statistics are taken over the individual log-parameters
	// psi_i = theta + eta_i, so the M-step's theta = S_psi and
	// Omega = S_psipsi' - S_psi S_psi' stay on the scale Predict uses.
	meanEta = make([]float64, p)
	meanEtaEta = mat.NewDense(p, p, nil)
	total := 0.0
	for i := range states {
		psi := make([]float64, p)
		for j := 0; j < p; j++ {
			psi[j] = theta[j] + perSubjectEta[i][j]
			meanEta[j] += psi[j]
		}
		for a := 0; a < p; a++ {
			for b := 0; b < p; b++ {
				meanEtaEta.Set(a, b, meanEtaEta.At(a, b)+psi[a]*psi[b])
			}
		}
		total += perSubjectEps2[i]
	}
	n := float64(len(states))
	for j := range meanEta {
		meanEta[j] /= n
	}
	meanEtaEta.Scale(1.0/n, meanEtaEta)
	meanEps2 = total / float64(d.dataset.NumObservations())
	return meanEta, meanEtaEta, meanEps2, len(states)
}

func meanVector(vs [][]float64, p int) []float64 {
	out := make([]float64, p)
	for _, v := range vs {
		for i := 0; i < p; i++ {
			out[i] += v[i]
		}
	}
	n := float64(len(vs))
	for i := range out {
		out[i] /= n
	}
	return out
}

func residualSumSquares(res predict.Result, sigma2 float64) float64 {
	if res.Failed {
		return 0
	}
	sum := 0.0
	for _, p := range res.Predictions {
		if !p.ObservedPresent || p.PredictedConc <= 0 {
			continue
		}
		r := math.Log(p.ObservedValue) - math.Log(p.PredictedConc)
		sum += r * r
	}
	return sum
}

// stepWeight is spec §4.6's decreasing SAEM step-weight schedule: 1 during
// burn-in, then 1/(k-KBurn) after, satisfying the Robbins-Monro conditions
// (sum gamma_k diverges, sum gamma_k^2 converges) the stochastic-
// approximation recursion's convergence proof relies on.
func stepWeight(k, kBurn int) float64 {
	if k <= kBurn {
		return 1.0
	}
	return 1.0 / float64(k-kBurn)
}

// projectPSD computes Omega = SetaEta - Seta*Seta' (spec §4.6 step 4),
// symmetrizes it, and clips eigenvalues below 1e-8 so the result stays
// positive definite.
func projectPSD(sEtaEta *mat.Dense, sEta []float64) *mat.SymDense {
	p, _ := sEtaEta.Dims()
	raw := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			v := 0.5 * ((sEtaEta.At(i, j) - sEta[i]*sEta[j]) + (sEtaEta.At(j, i) - sEta[j]*sEta[i]))
			raw.SetSym(i, j, v)
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(raw, true) {
		out := mat.NewSymDense(p, nil)
		for i := 0; i < p; i++ {
			out.SetSym(i, i, 1e-8)
		}
		return out
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	clipped := make([]float64, len(values))
	for i, v := range values {
		if v < 1e-8 {
			v = 1e-8
		}
		clipped[i] = v
	}

	scaled := mat.NewDense(p, p, nil)
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			scaled.Set(i, j, vectors.At(i, j)*clipped[j])
		}
	}
	var recon mat.Dense
	recon.Mul(scaled, vectors.T())

	out := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			out.SetSym(i, j, 0.5*(recon.At(i, j)+recon.At(j, i)))
		}
	}
	return out
}

func (d *Driver) logLikelihood(states []*subjectState, theta []float64, snap likelihood.OmegaSnapshot, sigma2 float64) float64 {
	total := 0.0
	for _, st := range states {
		eta := averageChainEta(st.chains)
		res := predict.Predict(d.ig, d.model, st.subj, theta, eta)
		if res.Failed {
			continue
		}
		total += likelihood.SubjectLogDensity(res, eta, snap, sigma2)
	}
	return total
}

func averageChainEta(chains []*mcmc.Chain) []float64 {
	etas := make([][]float64, len(chains))
	for i, c := range chains {
		etas[i] = c.Current()
	}
	if len(etas) == 0 {
		return nil
	}
	return meanVector(etas, len(etas[0]))
}

func toSubjectPrediction(subjectID int, res predict.Result) estimation.SubjectPrediction {
	sp := estimation.SubjectPrediction{SubjectID: subjectID}
	for _, p := range res.Predictions {
		sp.Time = append(sp.Time, p.Time)
		sp.Predicted = append(sp.Predicted, p.PredictedConc)
		sp.Observed = append(sp.Observed, p.ObservedValue)
		sp.HasObserved = append(sp.HasObserved, p.ObservedPresent)
	}
	return sp
}

// thetaStable checks spec §4.6's termination rule: relative change of every
// theta component below 1e-4 over the last 100 recorded iterations.
func thetaStable(history [][]float64, p int) bool {
	if len(history) < 100 {
		return false
	}
	window := history[len(history)-100:]
	for j := 0; j < p; j++ {
		lo, hi := window[0][j], window[0][j]
		for _, row := range window {
			if row[j] < lo {
				lo = row[j]
			}
			if row[j] > hi {
				hi = row[j]
			}
		}
		denom := math.Max(1e-12, math.Abs(window[len(window)-1][j]))
		if (hi-lo)/denom >= 1e-4 {
			return false
		}
	}
	return true
}

// parameterStabilityConverged implements spec §4.6's convergence assessment
// used when the run hits the iteration cap: max sd over the last 10% of
// trajectory divided by |theta| < 0.01, for every component. A window of
// fewer than two points has no spread to assess and never counts as
// converged.
func parameterStabilityConverged(history [][]float64) bool {
	n := len(history)
	if n/10 < 2 {
		return false
	}
	p := len(history[0])
	window := history[n-n/10:]
	for j := 0; j < p; j++ {
		mean, sd := meanSD(window, j)
		if mean == 0 {
			continue
		}
		if sd/math.Abs(mean) >= 0.01 {
			return false
		}
	}
	return true
}

func meanSD(window [][]float64, j int) (mean, sd float64) {
	n := float64(len(window))
	for _, row := range window {
		mean += row[j]
	}
	mean /= n
	for _, row := range window {
		d := row[j] - mean
		sd += d * d
	}
	sd = math.Sqrt(sd / n)
	return mean, sd
}
