package attendance

// punchTypeTable maps device type codes (the index) to domain punch types.
var punchTypeTable = [...]PunchType{
	0: CheckIn,
	1: CheckOut,
	2: BreakIn,
	3: BreakOut,
	4: OvertimeIn,
	5: OvertimeOut,
}

// methodTable maps device verify codes (the index) to domain methods.
var methodTable = [...]VerifyMethod{
	0: Password,
	1: Fingerprint,
	2: Card,
	3: Face,
}

// Fallbacks for codes outside the tables. Firmware emits undocumented codes.
const (
	DefaultPunchType PunchType    = CheckIn
	DefaultMethod    VerifyMethod = Fingerprint
)

// PunchTypeFromCode maps a device type code. Unknown codes map to CHECK_IN.
func PunchTypeFromCode(code int) PunchType {
	if code < 0 || code >= len(punchTypeTable) {
		return DefaultPunchType
	}
	return punchTypeTable[code]
}

// MethodFromCode maps a device verify code. Unknown codes map to FINGERPRINT.
func MethodFromCode(code int) VerifyMethod {
	if code < 0 || code >= len(methodTable) {
		return DefaultMethod
	}
	return methodTable[code]
}

// Code returns the device code for t.
func (t PunchType) Code() (int, bool) {
	for code, v := range punchTypeTable {
		if v == t {
			return code, true
		}
	}
	return 0, false
}

// Valid reports whether t is a known punch type.
func (t PunchType) Valid() bool {
	_, ok := t.Code()
	return ok
}

// Code returns the device code for m.
func (m VerifyMethod) Code() (int, bool) {
	for code, v := range methodTable {
		if v == m {
			return code, true
		}
	}
	return 0, false
}

// Valid reports whether m is a known verify method.
func (m VerifyMethod) Valid() bool {
	_, ok := m.Code()
	return ok
}
