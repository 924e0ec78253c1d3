package healthchecks_test

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/fleetbeacon/fuelcore/estimator"
	"github.com/fleetbeacon/fuelcore/estimator/tank"
	"github.com/fleetbeacon/fuelcore/internal/healthchecks"
	"github.com/fleetbeacon/fuelcore/internal/logs"
)

type passCheck struct{}

func (passCheck) Name() string                                { return "Pass Check" }
func (passCheck) RunCheck(logger logs.StructuredLogger) error { return nil }

type fatalCheck struct{}

func (fatalCheck) Name() string { return "Fatal Check" }
func (fatalCheck) RunCheck(logger logs.StructuredLogger) error {
	return healthchecks.StateDirErr
}

type plainErrorCheck struct{}

func (plainErrorCheck) Name() string { return "Plain Error Check" }
func (plainErrorCheck) RunCheck(logger logs.StructuredLogger) error {
	return errors.New("unexpected breakage")
}

func TestRunAllReportsEveryCheck(t *testing.T) {
	registry := healthchecks.Registry{passCheck{}, fatalCheck{}}
	results, err := registry.RunAll(logs.DiscardLogger())

	assert.Equal(t, len(results), 2)
	assert.Assert(t, strings.Contains(results["Pass Check"], "Result: PASS"))
	assert.Assert(t, strings.Contains(results["Fatal Check"], "Result: FAIL"))
	assert.Assert(t, strings.Contains(results["Fatal Check"], "ERROR_CODE: StateDirErr"))

	var checkErr healthchecks.CheckError
	assert.Assert(t, errors.As(err, &checkErr))
	assert.Assert(t, checkErr.IsFatal)
}

func TestRunAllPassesWhenAllPass(t *testing.T) {
	registry := healthchecks.Registry{passCheck{}, passCheck{}}
	_, err := registry.RunAll(logs.DiscardLogger())
	assert.NilError(t, err)
}

func TestRunAllSurfacesUntypedErrors(t *testing.T) {
	registry := healthchecks.Registry{plainErrorCheck{}}
	results, err := registry.RunAll(logs.DiscardLogger())

	assert.ErrorContains(t, err, "unexpected breakage")
	assert.Assert(t, strings.Contains(results["Plain Error Check"], "Result: ERROR"))
}

func TestStateDirCheckPassesOnWritableDir(t *testing.T) {
	check := healthchecks.StateDirCheck{Dir: filepath.Join(t.TempDir(), "state")}
	assert.NilError(t, check.RunCheck(logs.DiscardLogger()))
}

func TestStateDirCheckFailsWhenPathIsAFile(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	assert.NilError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	check := healthchecks.StateDirCheck{Dir: blocker}
	err := check.RunCheck(logs.DiscardLogger())

	var checkErr healthchecks.CheckError
	assert.Assert(t, errors.As(err, &checkErr))
	assert.Equal(t, checkErr.Code, "StateDirErr")
	assert.Assert(t, checkErr.IsFatal)
}

func TestMetricsPortCheckPassesOnFreePort(t *testing.T) {
	check := healthchecks.MetricsPortCheck{Address: "127.0.0.1:0"}
	assert.NilError(t, check.RunCheck(logs.DiscardLogger()))
}

func TestMetricsPortCheckFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	defer ln.Close()

	check := healthchecks.MetricsPortCheck{Address: ln.Addr().String()}
	err = check.RunCheck(logs.DiscardLogger())

	var checkErr healthchecks.CheckError
	assert.Assert(t, errors.As(err, &checkErr))
	assert.Equal(t, checkErr.Code, "MetricsPortErr")
}

func TestAdminSocketCheckPassesOnFreshPath(t *testing.T) {
	check := healthchecks.AdminSocketCheck{Path: filepath.Join(t.TempDir(), "fuelcore.sock")}
	assert.NilError(t, check.RunCheck(logs.DiscardLogger()))
	// The probe bind must not leave a socket file behind.
	_, err := os.Stat(check.Path)
	assert.Assert(t, os.IsNotExist(err))
}

func TestAdminSocketCheckToleratesDeadSocketFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fuelcore.sock")
	assert.NilError(t, os.WriteFile(path, nil, 0o600))

	check := healthchecks.AdminSocketCheck{Path: path}
	assert.NilError(t, check.RunCheck(logs.DiscardLogger()))
}

func TestAdminSocketCheckFailsOnLiveSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fuelcore.sock")
	ln, err := net.Listen("unix", path)
	assert.NilError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	check := healthchecks.AdminSocketCheck{Path: path}
	err = check.RunCheck(logs.DiscardLogger())

	var checkErr healthchecks.CheckError
	assert.Assert(t, errors.As(err, &checkErr))
	assert.Equal(t, checkErr.Code, "AdminSocketErr")
}

func testConfig() *estimator.FleetConfig {
	cfg := &estimator.FleetConfig{
		TankSpecs: map[string]tank.Spec{
			"T-100": {CapacityL: 300, Shape: tank.Cylinder},
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestConfigCheckPassesOnValidConfig(t *testing.T) {
	check := healthchecks.ConfigCheck{Config: testConfig()}
	assert.NilError(t, check.RunCheck(logs.DiscardLogger()))
}

func TestConfigCheckFailsOnDanglingTuning(t *testing.T) {
	cfg := testConfig()
	cfg.EKFTuning = map[string]map[string]interface{}{
		"GHOST": {"q_volume": 0.5},
	}
	check := healthchecks.ConfigCheck{Config: cfg}
	err := check.RunCheck(logs.DiscardLogger())

	var checkErr healthchecks.CheckError
	assert.Assert(t, errors.As(err, &checkErr))
	assert.Equal(t, checkErr.Code, "ConfigErr")
	assert.ErrorContains(t, err, "GHOST")
}
