package config

import "path/filepath"

// BuildManager declares every runtime table and its defaults, then merges
// whatever is already on disk. New settings are added here and nowhere else.
func BuildManager(confDir string) (*Manager, error) {
	file := func(name string) string { return filepath.Join(confDir, name+".json") }

	m := NewManager(confDir)
	m.AddTable(NewTable("game", file("game")).
		Add("modify_announcement", true, "修改公告", "bool").
		Add("public_all", false, "公开全部", "bool").
		Add("auto_discard", false, "自动打牌", "bool").
		Add("auto_tsumo", false, "自动自摸", "bool"))
	m.AddTable(NewTable("general", file("general")).
		Add("language", "zh-CN", "界面语言", "string").
		Add("theme", "system", "主题", "string").
		Add("debug", false, "调试模式", "bool"))
	m.AddTable(NewTable("backend", file("backend")).
		Add("host", "127.0.0.1", "", "string").
		Add("port", 8787, "", "number").
		Add("mitm_port", 10999, "", "number").
		Add("api_port", 8788, "", "number"))
	m.AddTable(NewTable("fuse", file("fuse")).
		Add("guard_skip_contains", map[string]any{"amulets": []any{}, "badges": []any{}},
			"当卡包包含以下护身符/印章时，禁止跳过", "object").
		Add("enable_skip_guard", true, "", "bool").
		Add("enable_shop_force_pick", false, "", "bool").
		Add("enable_prestart_kavi_guard", true, "", "bool").
		Add("conduction_min_count", 3, "", "int").
		Add("enable_anti_steal_eat", true, "", "bool").
		Add("enable_kavi_plus_buffer_guard", true, "", "bool").
		Add("enable_exit_life_guard", false, "", "bool"))
	m.AddTable(NewTable("autorun", file("autorun")).
		Add("end_count", 1, "结束条件：达成目标数", "number").
		Add("targets", []any{}, "收集目标列表", "object").
		Add("op_interval_ms", 1000, "操作间隔（毫秒）", "number").
		Add("cutoff_level", 0, "低于此层数破产时直接结束购物", "number").
		Add("email_notify", map[string]any{
			"enabled": false, "host": "", "port": 465, "ssl": true,
			"from": "", "pass": "", "to": "",
		}, "邮件通知", "object"))

	if _, err := m.LoadAll(); err != nil {
		return nil, err
	}
	return m, nil
}
