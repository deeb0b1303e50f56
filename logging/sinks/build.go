package sinks

import (
	"fmt"
	"io"
	"os"

	"replicanet/server/logging"
)

// Build constructs the sinks enabled in cfg. Console output goes to stdout.
func Build(cfg logging.Config, stdout io.Writer) ([]logging.NamedSink, error) {
	if stdout == nil {
		stdout = os.Stdout
	}
	var named []logging.NamedSink
	for _, name := range cfg.EnabledSinks {
		switch name {
		case logging.SinkConsole:
			named = append(named, logging.NamedSink{Name: name, Sink: NewConsoleSink(stdout, cfg.Console)})
		case logging.SinkJSON:
			if cfg.JSON.FilePath == "" {
				named = append(named, logging.NamedSink{Name: name, Sink: NewJSON(stdout)})
				continue
			}
			file, err := os.OpenFile(cfg.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open json sink: %w", err)
			}
			named = append(named, logging.NamedSink{Name: name, Sink: NewJSONFile(file)})
		case logging.SinkMemory:
			named = append(named, logging.NamedSink{Name: name, Sink: NewBoundedMemorySink(DefaultMemoryCapacity)})
		default:
			return nil, fmt.Errorf("unknown log sink %q", name)
		}
	}
	return named, nil
}
