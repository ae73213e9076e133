package patterns

// Category names used by the health monitor
const (
	CategoryCrash = "CRASH"
	CategoryBoot  = "BOOT"
)

// crashPatterns covers ESP-IDF and Zephyr fatal output. A triggered watchdog
// means the firmware is wedged, so those count as crashes too.
var crashPatterns = []string{
	`crash`, `guru\s*meditation`, `Backtrace:`, `core\s*dump`, `Double exception`,
	`LoadProhibited`, `StoreProhibited`, `InstrFetchProhibited`, `LoadStoreAlignment`,
	`IllegalInstruction`, `IntegerDivideByZero`, `HardFault`,
	`Cache (disabled|error)`, `Stack smashing`, `abort\(\) was called`, `Brownout detector was triggered`,
	`>>> ZEPHYR FATAL ERROR`, `E: \*\*\*\*\* `,
	`Task watchdog got triggered`, `Interrupt wdt timeout`, `wdt reset`, `WDT_SYS_RST`, `watchdog (timeout|reset)`,
}

// DefaultTable is the built-in category -> regex set. All patterns are
// matched case-insensitively.
func DefaultTable() map[string][]string {
	return map[string][]string{
		"ERROR":      {`\bE\s*\(\d+\)`, `\berror\b`},
		"FAIL":       {`\bfail(ed|ure)?\b`},
		"CRASH":      append([]string(nil), crashPatterns...),
		"PANIC":      {`panic`, `abort\(\)`, `Rebooting\.\.\.`},
		"ASSERT":     {`assert(ion)?\s*failed`, `ESP_ERROR_CHECK`},
		"MEMORY":     {`\bheap\b.*(corrupt|fail|exhaust)`, `out\s*of\s*memory`, `alloc(ation)?\s*failed`, `stack\s*overflow`},
		"WATCHDOG":   {`\bwdt\b`, `watchdog`, `Task\s+watchdog`},
		"BOOT":       {`rst:0x`, `boot:0x`, `ESP-ROM:`, `Chip Revision:`, `flash\s*read\s*err`, `ets\s+\w{3}\s+\d+\s+\d{4}`, `\*\*\* Booting`, `Zephyr OS build`},
		"WIFI":       {`wifi:.*(fail|disconnect|timeout)`, `WIFI_EVENT_STA_DISCONNECTED`},
		"BLE":        {`BLE.*error`, `GAP.*fail`, `GATT.*fail`},
		"DISCONNECT": {`disconnect(ed)?\b`},
		"TIMEOUT":    {`timeout`, `timed?\s*out`},
	}
}
