package config

import (
	"strconv"
	"time"
)

// HostPort is a collector address.
type HostPort struct {
	Host string
	Port int
}

// Environment is one row of the deployment table.
type Environment struct {
	Name            string
	CollectInterval time.Duration
	MetricsInterval time.Duration
	TiersInterval   time.Duration
	LoopInterval    time.Duration
	HTTP            HostPort
	HTTPS           HostPort
}

var environments = map[string]Environment{
	"prod": {
		Name:            "prod",
		CollectInterval: 60 * time.Second,
		MetricsInterval: 60 * time.Second,
		TiersInterval:   60 * time.Second,
		LoopInterval:    60 * time.Second,
		HTTP:            HostPort{"collector.vigil.run", 80},
		HTTPS:           HostPort{"collector.vigil.run", 443},
	},
	"staging": {
		Name:            "staging",
		CollectInterval: 60 * time.Second,
		MetricsInterval: 60 * time.Second,
		TiersInterval:   60 * time.Second,
		LoopInterval:    60 * time.Second,
		HTTP:            HostPort{"collector-staging.vigil.run", 80},
		HTTPS:           HostPort{"collector-staging.vigil.run", 443},
	},
	"dev": {
		Name:            "dev",
		CollectInterval: 15 * time.Second,
		MetricsInterval: 15 * time.Second,
		TiersInterval:   15 * time.Second,
		LoopInterval:    15 * time.Second,
		HTTP:            HostPort{"127.0.0.1", 8080},
		HTTPS:           HostPort{"127.0.0.1", 8443},
	},
	"test": {
		Name:            "test",
		CollectInterval: time.Second,
		MetricsInterval: time.Second,
		TiersInterval:   time.Second,
		LoopInterval:    time.Second,
		HTTP:            HostPort{"127.0.0.1", 8080},
		HTTPS:           HostPort{"127.0.0.1", 8443},
	},
}

// LookupEnvironment returns the table entry for name, prod when unknown,
// with collector addresses overridden by VIGIL_COLLECTOR, VIGIL_COLLECTOR_PORT,
// VIGIL_COLLECTOR_HTTPS and VIGIL_COLLECTOR_HTTPS_PORT as read by getenv.
func LookupEnvironment(name string, getenv func(string) string) Environment {
	env, ok := environments[name]
	if !ok {
		env = environments["prod"]
	}
	if getenv == nil {
		return env
	}
	override := func(hp *HostPort, hostVar, portVar string) {
		if h := getenv(hostVar); h != "" {
			hp.Host = h
		}
		if p, err := strconv.Atoi(getenv(portVar)); err == nil && p > 0 {
			hp.Port = p
		}
	}
	override(&env.HTTP, "VIGIL_COLLECTOR", "VIGIL_COLLECTOR_PORT")
	override(&env.HTTPS, "VIGIL_COLLECTOR_HTTPS", "VIGIL_COLLECTOR_HTTPS_PORT")
	return env
}
