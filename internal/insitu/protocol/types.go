package protocol

import "fmt"

// Type tags control messages. Values are part of the wire format.
type Type uint32

const (
	TypeInvalid Type = iota
	TypeShmInfo
	TypeSetPorts
	TypeSetCommands
	TypeSetCustomCommands
	TypeIntOption
	TypeExecuteCommand
	TypeConnectPort
	TypeDisconnectPort
	TypeGoOn
	TypeAddObject
	TypeConnectionClosed
	TypeQuit
	TypeReady
	TypePackageComplete
)

var typeNames = [...]string{
	TypeInvalid:           "Invalid",
	TypeShmInfo:           "ShmInfo",
	TypeSetPorts:          "SetPorts",
	TypeSetCommands:       "SetCommands",
	TypeSetCustomCommands: "SetCustomCommands",
	TypeIntOption:         "IntOption",
	TypeExecuteCommand:    "ExecuteCommand",
	TypeConnectPort:       "ConnectPort",
	TypeDisconnectPort:    "DisconnectPort",
	TypeGoOn:              "GoOn",
	TypeAddObject:         "AddObject",
	TypeConnectionClosed:  "ConnectionClosed",
	TypeQuit:              "Quit",
	TypeReady:             "Ready",
	TypePackageComplete:   "PackageComplete",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint32(t))
}

// Payload is implemented by every message body.
type Payload interface {
	Type() Type
}

// ShmInfo tells the simulation where the module's arena lives and which
// object channel instance to open.
type ShmInfo struct {
	Hostname       string `codec:"host"`
	SegmentName    string `codec:"segment"`
	ModuleID       int    `codec:"module"`
	ModuleName     string `codec:"module_name,omitempty"`
	MPISize        int    `codec:"mpi_size"`
	InstanceNumber int    `codec:"instance"`
}

// SetPorts lists port groups. The last entry of each group is the type
// label shared by the group's ports; a group of one is an unlabelled port.
type SetPorts struct {
	Groups [][]string `codec:"groups"`
}

// Ports returns every port name with its type label, in order
func (m SetPorts) Ports() (names, labels []string) {
	for _, g := range m.Groups {
		switch len(g) {
		case 0:
			continue
		case 1:
			names = append(names, g[0])
			labels = append(labels, "")
			continue
		}
		label := g[len(g)-1]
		for _, name := range g[:len(g)-1] {
			names = append(names, name)
			labels = append(labels, label)
		}
	}
	return names, labels
}

type SetCommands struct {
	Names []string `codec:"names"`
}

type SetCustomCommands struct {
	Names []string `codec:"names"`
}

type IntOption struct {
	Name  string `codec:"name"`
	Value int64  `codec:"value"`
}

type ExecuteCommand struct {
	Name string `codec:"name"`
	Arg  string `codec:"arg,omitempty"`
}

type ConnectPort struct {
	Port string `codec:"port"`
}

type DisconnectPort struct {
	Port string `codec:"port"`
}

type GoOn struct{}

// AddObject announces a payload published by the simulation. Object names a
// payload in the shared arena whose reference now belongs to the receiver;
// Archive carries a serialized payload when the peers share no memory.
type AddObject struct {
	Port    string `codec:"port"`
	Object  string `codec:"object,omitempty"`
	Archive []byte `codec:"archive,omitempty"`
}

// ConnectionClosed ends a session. Orderly is false when the sender lost
// its own transport.
type ConnectionClosed struct {
	Orderly bool `codec:"orderly"`
}

type Quit struct{}

// Ready brackets one pipeline execution: true when the module starts
// executing, false when it is done.
type Ready struct {
	State bool `codec:"state"`
}

// PackageComplete closes a batch of AddObject messages.
type PackageComplete struct{}

// Invalid stands in for messages that could not be decoded.
type Invalid struct {
	Tag uint32
}

func (ShmInfo) Type() Type           { return TypeShmInfo }
func (SetPorts) Type() Type          { return TypeSetPorts }
func (SetCommands) Type() Type       { return TypeSetCommands }
func (SetCustomCommands) Type() Type { return TypeSetCustomCommands }
func (IntOption) Type() Type         { return TypeIntOption }
func (ExecuteCommand) Type() Type    { return TypeExecuteCommand }
func (ConnectPort) Type() Type       { return TypeConnectPort }
func (DisconnectPort) Type() Type    { return TypeDisconnectPort }
func (GoOn) Type() Type              { return TypeGoOn }
func (AddObject) Type() Type         { return TypeAddObject }
func (ConnectionClosed) Type() Type  { return TypeConnectionClosed }
func (Quit) Type() Type              { return TypeQuit }
func (Ready) Type() Type             { return TypeReady }
func (PackageComplete) Type() Type   { return TypePackageComplete }
func (Invalid) Type() Type           { return TypeInvalid }
