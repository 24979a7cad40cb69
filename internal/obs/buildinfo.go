package obs

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterBuildInfo registers clinikey_build_info, a constant 1 labelled with
// the binary's version, commit and Go toolchain.
func RegisterBuildInfo(reg prometheus.Registerer, version, commit string) error {
	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clinikey_build_info",
			Help: "clinikey build information.",
		},
		[]string{"version", "commit", "goversion"},
	)
	if err := reg.Register(buildInfo); err != nil {
		return err
	}
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
	return nil
}
