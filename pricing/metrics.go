package pricing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var localPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "edgecoder_price_per_compute_unit_sats",
	Help: "Locally computed price per compute unit.",
}, []string{"resource_class"})
