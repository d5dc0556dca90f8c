package control

import "github.com/cseJeoni/needlecore/internal/eeprom"

// inboundMessage is the union of every field any documented command
// may carry; unused fields are simply left zero-valued for a given cmd.
type inboundMessage struct {
	Cmd string `json:"cmd"`

	// connect
	Port     string `json:"port"`
	BaudRate int    `json:"baudrate"`
	Parity   string `json:"parity"`
	DataBits int    `json:"databits"`
	StopBits string `json:"stopbits"`

	// move
	MotorID              byte    `json:"motor_id"`
	Mode                 string  `json:"mode"`
	Position             int16   `json:"position"`
	Speed                uint16  `json:"speed"`
	NeedleSpeed          *uint16 `json:"needle_speed"`
	Force                float64 `json:"force"`
	DecelerationEnabled  bool    `json:"deceleration_enabled"`
	DecelerationPosition int16   `json:"deceleration_position"`
	DecelerationSpeed    uint16  `json:"deceleration_speed"`

	// eeprom_write / eeprom_read
	TipType    uint8  `json:"tipType"`
	ShotCount  uint16 `json:"shotCount"`
	Year       int    `json:"year"`
	Month      uint8  `json:"month"`
	Day        uint8  `json:"day"`
	MakerCode  uint8  `json:"makerCode"`
	MtrVersion string `json:"mtrVersion"`
	Country    string `json:"country"`

	// measure_resistance
	Threshold float64 `json:"threshold"`

	// led_control
	Type string `json:"type"`

	// set_start_state / set_needle_short_fixed
	State *bool `json:"state"`
}

// resultReply is the generic UI-facing result envelope: every command
// elicits success:true or success:false with a human message.
type resultReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type serialReply struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Connected bool   `json:"connected,omitempty"`
	Error     string `json:"error,omitempty"`
}

type checkReply struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Connected bool   `json:"connected"`
}

type gpioReadReply struct {
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	TipPresent bool   `json:"tipPresent"`
	ShortSense bool   `json:"shortSense"`
}

type eepromReply struct {
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
	Data          *eeprom.Record `json:"data,omitempty"`
	EEPROMAddress string         `json:"eepromAddress,omitempty"`
	Offset        string         `json:"offset,omitempty"`
}

type resistanceReply struct {
	Type        string `json:"type"`
	Connected   bool   `json:"connected"`
	Resistance1 *int   `json:"resistance1,omitempty"`
	Resistance2 *int   `json:"resistance2,omitempty"`
	Status1     string `json:"status1"`
	Status2     string `json:"status2"`
	Error       string `json:"error,omitempty"`
}

type motorStateJSON struct {
	SetPosition int16   `json:"setPosition"`
	ActPosition int16   `json:"actPosition"`
	Force       float64 `json:"force"`
	Sensor      int16   `json:"sensor"`
}

type statusMsg struct {
	Type               string         `json:"type"`
	Motor1             motorStateJSON `json:"motor1"`
	Motor2             motorStateJSON `json:"motor2"`
	QueueDepth         int            `json:"queueDepth"`
	NeedleTipConnected bool           `json:"needle_tip_connected"`
	IsStarted          bool           `json:"is_started"`
}

type needleStateChangeMsg struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

type gpioStateChangeMsg struct {
	Type      string `json:"type"`
	Pin       string `json:"pin"`
	State     bool   `json:"state"`
	Timestamp int64  `json:"timestamp"`
}

type gpioButtonMsg struct {
	Type string `json:"type"`
}
