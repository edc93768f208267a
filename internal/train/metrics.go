package train

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Training step metrics
	trainStepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "charm_train_steps_total",
			Help: "Total number of optimizer steps applied",
		},
	)

	trainStepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "charm_train_step_duration_seconds",
			Help:    "Wall time per training step",
			Buckets: prometheus.DefBuckets,
		},
	)

	trainLoss = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "charm_train_loss",
			Help: "Rate-distortion loss of the most recent training step",
		},
	)

	trainBPP = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "charm_train_bits_per_pixel",
			Help: "Estimated bits per pixel of the most recent training step",
		},
	)

	trainMSE = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "charm_train_mse",
			Help: "Mean squared error of the most recent training step",
		},
	)

	trainLearningRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "charm_train_learning_rate",
			Help: "Learning rate in effect for the current epoch",
		},
	)

	// Validation metrics
	validationLoss = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "charm_validation_loss",
			Help: "Mean rate-distortion loss over the validation sample",
		},
	)

	validationBPP = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "charm_validation_bits_per_pixel",
			Help: "Mean estimated bits per pixel over the validation sample",
		},
	)
)
