package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysOpr{},
	&SysOprLog{},
	&SysTenant{},
	// Gateway
	&WaDevice{},
	&WaCampaign{},
	&WaServer{},
}
