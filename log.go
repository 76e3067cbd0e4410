package utwallet

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"
	"github.com/ulrichard/utwallet/balance"
	"github.com/ulrichard/utwallet/chanmgr"
	"github.com/ulrichard/utwallet/dispatch"
	"github.com/ulrichard/utwallet/esplora"
	"github.com/ulrichard/utwallet/eventlog"
	"github.com/ulrichard/utwallet/inputeval"
	"github.com/ulrichard/utwallet/lnclient"
	"github.com/ulrichard/utwallet/lnurl"
	"github.com/ulrichard/utwallet/rates"
	"github.com/ulrichard/utwallet/sweep"
)

// Loggers per subsystem. A single backend logger is created and all
// subsystem loggers created from it write to the backend.
var (
	backendLog = btclog.NewBackend(os.Stdout)

	utwlLog = backendLog.Logger("UTWL")
	inevLog = backendLog.Logger("INEV")
	dispLog = backendLog.Logger("DISP")
	chmgLog = backendLog.Logger("CHMG")
	blncLog = backendLog.Logger("BLNC")
	evntLog = backendLog.Logger("EVNT")
	rateLog = backendLog.Logger("RATE")
	lurlLog = backendLog.Logger("LURL")
	swepLog = backendLog.Logger("SWEP")
	esplLog = backendLog.Logger("ESPL")
	lnclLog = backendLog.Logger("LNCL")
)

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"UTWL": utwlLog,
	"INEV": inevLog,
	"DISP": dispLog,
	"CHMG": chmgLog,
	"BLNC": blncLog,
	"EVNT": evntLog,
	"RATE": rateLog,
	"LURL": lurlLog,
	"SWEP": swepLog,
	"ESPL": esplLog,
	"LNCL": lnclLog,
}

// Initialize package-global logger variables.
func init() {
	inputeval.UseLogger(inevLog)
	dispatch.UseLogger(dispLog)
	chanmgr.UseLogger(chmgLog)
	balance.UseLogger(blncLog)
	eventlog.UseLogger(evntLog)
	rates.UseLogger(rateLog)
	lnurl.UseLogger(lurlLog)
	sweep.UseLogger(swepLog)
	esplora.UseLogger(esplLog)
	lnclient.UseLogger(lnclLog)
}

// setLogLevel sets the logging level for the provided subsystem. Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	sort.Strings(subsystems)
	return subsystems
}

// ParseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly. An appropriate error is returned if anything is
// invalid.
func ParseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") &&
		!strings.Contains(debugLevel, "=") {

		// Validate debug log level.
		if _, ok := btclog.LevelFromString(debugLevel); !ok {
			return fmt.Errorf("the specified debug level [%v] "+
				"is invalid", debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while
	// detecting issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			return fmt.Errorf("the specified debug level has an "+
				"invalid format [%v] -- use format "+
				"<subsystem>=<level>,<subsystem2>=<level>",
				logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems %v",
				subsysID, supportedSubsystems())
		}

		// Validate log level.
		if _, ok := btclog.LevelFromString(logLevel); !ok {
			return fmt.Errorf("the specified debug level [%v] "+
				"is invalid", logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}
