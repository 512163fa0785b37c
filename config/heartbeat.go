package config

// ReadMaxMonitorable uploads 0x1016 sub 0: how many heartbeat consumer
// entries the remote node has available.
func (c *NodeConfigurator) ReadMaxMonitorable(done func(uint8, error)) error {
	return c.ReadUint8(0x1016, 0, done)
}

// MonitoredNode is one decoded 0x1016 sub-entry (CiA 301 §7.5.2.14).
type MonitoredNode struct {
	NodeId   uint8
	PeriodMs uint16
}

// ReadMonitoredNodes uploads every configured 0x1016 sub-entry in turn.
func (c *NodeConfigurator) ReadMonitoredNodes(done func([]MonitoredNode, error)) error {
	return c.ReadMaxMonitorable(func(count uint8, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		c.readMonitoredNodesFrom(1, count, nil, done)
	})
}

func (c *NodeConfigurator) readMonitoredNodesFrom(sub uint8, count uint8, acc []MonitoredNode, done func([]MonitoredNode, error)) {
	if sub > count {
		done(acc, nil)
		return
	}
	err := c.ReadUint32(0x1016, sub, func(raw uint32, err error) {
		if err != nil {
			done(acc, err)
			return
		}
		acc = append(acc, MonitoredNode{NodeId: uint8(raw >> 16), PeriodMs: uint16(raw)})
		c.readMonitoredNodesFrom(sub+1, count, acc, done)
	})
	if err != nil {
		done(acc, err)
	}
}

// WriteMonitoredNode adds or updates sub-entry index of 0x1016 so that
// nodeId's heartbeat is expected every periodMs milliseconds.
func (c *NodeConfigurator) WriteMonitoredNode(index uint8, nodeId uint8, periodMs uint16, done func(error)) error {
	raw := uint32(nodeId)<<16 | uint32(periodMs)
	return c.WriteUint32(0x1016, index, raw, done)
}

// ReadHeartbeatPeriod uploads 0x1017: the node's own heartbeat producer
// period in milliseconds (0 disables production).
func (c *NodeConfigurator) ReadHeartbeatPeriod(done func(uint16, error)) error {
	return c.ReadUint16(0x1017, 0, done)
}

// WriteHeartbeatPeriod downloads a new 0x1017 producer period.
func (c *NodeConfigurator) WriteHeartbeatPeriod(periodMs uint16, done func(error)) error {
	return c.WriteUint16(0x1017, 0, periodMs, done)
}
