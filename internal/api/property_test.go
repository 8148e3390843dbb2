package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestAPIProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	router, _ := setupTestRouter(t, Options{})
	suites := 0
	nextSuite := func() string {
		suites++
		return fmt.Sprintf("/api/v1/suites/prop%d", suites)
	}

	// Property 1: POST then GET latest returns the run just appended
	properties.Property("HTTP append then latest returns the same run", prop.ForAll(
		func(values []float64) bool {
			base := nextSuite()

			for i, v := range values {
				w := do(t, router, http.MethodPost, base+"/runs", nativeRun(fmt.Sprintf("c%d", i), v))
				if w.Code != http.StatusCreated {
					return false
				}
				rep := decodeReport(t, w)
				if int(rep.Seq) != i+1 {
					return false
				}

				w = do(t, router, http.MethodGet, base+"/runs?limit=1", "")
				var resp RunsResponse
				if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Count != 1 {
					return false
				}
				if resp.Runs[0].Run.Commit.ID != fmt.Sprintf("c%d", i) || resp.Runs[0].Run.Metrics[0].Value != v {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(5, gen.Float64Range(1, 1e6)),
	))

	// Property 2: a dry run never changes the history length
	properties.Property("HTTP check leaves history untouched", prop.ForAll(
		func(seed, candidate float64) bool {
			base := nextSuite()

			do(t, router, http.MethodPost, base+"/runs", nativeRun("base", seed))
			w := do(t, router, http.MethodPost, base+"/check", nativeRun("pr", candidate))
			if w.Code != http.StatusOK {
				return false
			}

			w = do(t, router, http.MethodGet, base+"/history", "")
			var resp RunsResponse
			return json.Unmarshal(w.Body.Bytes(), &resp) == nil && resp.Count == 1
		},
		gen.Float64Range(1, 1e6),
		gen.Float64Range(1, 1e6),
	))

	properties.TestingRun(t)
}
