package script

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy 描述脚本准入策略：体积上限与文本级拒绝清单。
type Policy struct {
	MaxBytes int64  `yaml:"maxBytes"`
	Deny     []Rule `yaml:"deny"`
}

// Rule 是拒绝清单中的一条规则。Pattern 按子串匹配（大小写敏感），
// Reason 会原样返回给提交方。
type Rule struct {
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

// DefaultPolicy 返回内置策略。Manim 脚本只需要 manim 与数学库的导入，
// 任何触碰进程、网络或宿主文件系统的调用一律在准入阶段拒绝。
func DefaultPolicy() Policy {
	return Policy{
		MaxBytes: 64 * 1024,
		Deny: []Rule{
			{Pattern: "import subprocess", Reason: "spawning processes is not allowed"},
			{Pattern: "from subprocess", Reason: "spawning processes is not allowed"},
			{Pattern: "import socket", Reason: "network access is not allowed"},
			{Pattern: "from socket", Reason: "network access is not allowed"},
			{Pattern: "import requests", Reason: "network access is not allowed"},
			{Pattern: "import urllib", Reason: "network access is not allowed"},
			{Pattern: "import http", Reason: "network access is not allowed"},
			{Pattern: "import ctypes", Reason: "native code loading is not allowed"},
			{Pattern: "import shutil", Reason: "host filesystem access is not allowed"},
			{Pattern: "os.system", Reason: "shell execution is not allowed"},
			{Pattern: "os.popen", Reason: "shell execution is not allowed"},
			{Pattern: "os.exec", Reason: "process replacement is not allowed"},
			{Pattern: "os.fork", Reason: "process creation is not allowed"},
			{Pattern: "os.remove", Reason: "host filesystem access is not allowed"},
			{Pattern: "os.rmdir", Reason: "host filesystem access is not allowed"},
			{Pattern: "shutil.rmtree", Reason: "host filesystem access is not allowed"},
			{Pattern: "__import__", Reason: "dynamic imports are not allowed"},
			{Pattern: "importlib", Reason: "dynamic imports are not allowed"},
			{Pattern: "eval(", Reason: "dynamic evaluation is not allowed"},
			{Pattern: "exec(", Reason: "dynamic evaluation is not allowed"},
			{Pattern: "open(\"/", Reason: "absolute paths are not allowed"},
			{Pattern: "open('/", Reason: "absolute paths are not allowed"},
		},
	}
}

// LoadPolicy 读取 YAML 策略文件。文件中省略的字段沿用内置策略，
// deny 列表为追加语义而非替换，内置规则始终生效。
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("read policy file: %w", err)
	}
	var loaded Policy
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return policy, fmt.Errorf("unmarshal policy file: %w", err)
	}
	if loaded.MaxBytes > 0 {
		policy.MaxBytes = loaded.MaxBytes
	}
	policy.Deny = append(policy.Deny, loaded.Deny...)
	return policy, nil
}
