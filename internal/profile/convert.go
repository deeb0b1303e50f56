package profile

import (
	"errors"
	"fmt"

	"replicanet/server/internal/replica"
)

var (
	authorities = map[string]replica.Authority{
		"server": replica.AuthorityServer,
		"client": replica.AuthorityClient,
	}
	authorityModes = map[string]replica.AuthorityMode{
		"fixed":   replica.AuthorityFixed,
		"dynamic": replica.AuthorityDynamic,
	}
	detectionModes = map[string]replica.DetectionMode{
		"assume":    replica.DetectAssume,
		"manual":    replica.DetectManual,
		"automatic": replica.DetectAutomatic,
		"manumatic": replica.DetectManumatic,
	}
	reliabilityModes = map[string]replica.ReliabilityMode{
		"reliable":   replica.Reliable,
		"unreliable": replica.Unreliable,
	}
	transferModes = map[string]replica.TransferMode{
		"ordered":   replica.Ordered,
		"immediate": replica.Immediate,
	}
	serializationModes = map[string]replica.SerializationMode{
		"all":     replica.SerializeAll,
		"changed": replica.SerializeChanged,
	}
	serializationFlags = map[string]replica.SerializationFlags{
		"spawn":         replica.OnSpawn,
		"clone_emplace": replica.OnCloneEmplace,
		"clone_spawn":   replica.OnCloneSpawn,
		"forget":        replica.OnForget,
		"destroy":       replica.OnDestroy,
		"change":        replica.OnChange,
	}
)

func lookup[T any](field, raw string, table map[string]T, dst *T) error {
	if raw == "" {
		return nil
	}
	v, ok := table[raw]
	if !ok {
		return fmt.Errorf("%s: unknown value %q", field, raw)
	}
	*dst = v
	return nil
}

func override[T any](src *T, dst *T) {
	if src != nil {
		*dst = *src
	}
}

// Config resolves the definition against replica.DefaultChannelTypeConfig.
func (d ChannelTypeDefinition) Config() (replica.ChannelTypeConfig, error) {
	cfg := replica.DefaultChannelTypeConfig()
	errs := []error{
		lookup("authority", d.Authority, authorities, &cfg.AuthorityDefault),
		lookup("authorityMode", d.AuthorityMode, authorityModes, &cfg.AuthorityMode),
		lookup("detection", d.Detection, detectionModes, &cfg.DetectionMode),
		lookup("reliability", d.Reliability, reliabilityModes, &cfg.ReliabilityMode),
		lookup("transfer", d.Transfer, transferModes, &cfg.TransferMode),
		lookup("serialization", d.Serialization, serializationModes, &cfg.SerializationMode),
	}
	if len(d.SerializeOn) > 0 {
		var flags replica.SerializationFlags
		for _, name := range d.SerializeOn {
			var flag replica.SerializationFlags
			if err := lookup("serializeOn", name, serializationFlags, &flag); err != nil {
				errs = append(errs, err)
			}
			flags |= flag
		}
		cfg.SerializationFlags = flags
	}

	override(d.DetectOutgoingChanges, &cfg.DetectOutgoingChanges)
	override(d.AcceptIncomingChanges, &cfg.AcceptIncomingChanges)
	override(d.NotifyOnOutgoingChange, &cfg.NotifyOnOutgoingPropertyChange)
	override(d.NotifyOnIncomingChange, &cfg.NotifyOnIncomingPropertyChange)
	override(d.AllowRelay, &cfg.AllowRelay)
	override(d.AllowNapping, &cfg.AllowNapping)
	override(d.AwakeDuration, &cfg.AwakeDuration)
	override(d.AwakeDetectionInterval, &cfg.AwakeDetectionInterval)
	override(d.NapDetectionInterval, &cfg.NapDetectionInterval)
	cfg.AccurateTimestampOnChange = d.AccurateTimestampOnChange

	if cfg.AwakeDetectionInterval < 1 {
		errs = append(errs, errors.New("awakeDetectionInterval: must be at least 1"))
	}
	if cfg.NapDetectionInterval < 1 {
		errs = append(errs, errors.New("napDetectionInterval: must be at least 1"))
	}
	return cfg, errors.Join(errs...)
}

// Config resolves the definition against replica.DefaultPropertyTypeConfig.
func (d PropertyTypeDefinition) Config() (replica.PropertyTypeConfig, error) {
	cfg := replica.DefaultPropertyTypeConfig()
	var errs []error

	if d.DeltaThreshold != nil {
		if *d.DeltaThreshold < 0 {
			errs = append(errs, errors.New("deltaThreshold: must not be negative"))
		}
		cfg.UseDeltaThreshold = true
		cfg.DeltaThreshold = *d.DeltaThreshold
	}

	if q := d.Quantization; q != nil {
		if !cfg.UseDeltaThreshold || cfg.DeltaThreshold <= 0 {
			errs = append(errs, errors.New("quantization: requires a positive deltaThreshold"))
		}
		if q.Max <= q.Min {
			errs = append(errs, fmt.Errorf("quantization: max %v must exceed min %v", q.Max, q.Min))
		}
		cfg.UseQuantization = true
		cfg.QuantizationRangeMin = q.Min
		cfg.QuantizationRangeMax = q.Max
	}

	if in := d.Interpolation; in != nil {
		cfg.UseInterpolation = true
		errs = append(errs,
			parseDuration("interpolation.sampleOffset", in.SampleOffset, &cfg.SampleTimeOffset),
			parseDuration("interpolation.extrapolationLimit", in.ExtrapolationLimit, &cfg.ExtrapolationLimit),
		)
	}

	if c := d.Convergence; c != nil {
		cfg.UseConvergence = true
		cfg.NotifyOnConvergenceStateChange = c.Notify
		override(c.Weight, &cfg.ActiveConvergenceWeight)
		override(c.Interval, &cfg.ConvergenceInterval)
		override(c.SnapThreshold, &cfg.SnapThreshold)
		errs = append(errs, parseDuration("convergence.restingDuration", c.RestingDuration, &cfg.RestingConvergenceDuration))
		if cfg.ActiveConvergenceWeight < 0 || cfg.ActiveConvergenceWeight > 1 {
			errs = append(errs, fmt.Errorf("convergence.weight: %v outside [0, 1]", cfg.ActiveConvergenceWeight))
		}
	}
	return cfg, errors.Join(errs...)
}
