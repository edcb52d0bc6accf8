package rl

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// policyFormatVersion 持久化格式版本
const policyFormatVersion = 1

// ParameterStore 参数持久化后端（不透明字节块）
type ParameterStore interface {
	Save(data []byte) error
	Load() ([]byte, error)
}

// FileStore 基于文件的参数存储，写入通过临时文件加重命名完成
type FileStore struct {
	Path string
}

// Save 原子写入文件
func (f FileStore) Save(data []byte) error {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}

// Load 读取文件
func (f FileStore) Load() ([]byte, error) {
	return os.ReadFile(f.Path)
}

// policyFile 持久化内容
type policyFile struct {
	Version    int     `json:"version"`
	StateDim   int     `json:"state_dim"`
	HiddenSize int     `json:"hidden_size"`
	NumActions int     `json:"num_actions"`
	Epsilon    float64 `json:"epsilon"`
	Steps      int     `json:"steps"`
	Online     *Params `json:"online"`
	Checksum   string  `json:"checksum"` // keccak256(online参数的JSON编码)
}

func paramsChecksum(p *Params) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(crypto.Keccak256(data)), nil
}

// Save 序列化在线网络参数
func (l *Learner) Save(store ParameterStore) error {
	l.mu.Lock()
	file := policyFile{
		Version:    policyFormatVersion,
		StateDim:   l.stateDim,
		HiddenSize: l.config.HiddenSize,
		NumActions: l.numActions,
		Epsilon:    l.epsilon,
		Steps:      l.steps,
		Online:     l.online.Clone(),
	}
	l.mu.Unlock()

	sum, err := paramsChecksum(file.Online)
	if err != nil {
		return fmt.Errorf("%w: encode parameters: %v", ErrPersistence, err)
	}
	file.Checksum = sum

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode policy: %v", ErrPersistence, err)
	}
	if err := store.Save(data); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// Load 反序列化在线网络参数并立即同步目标网络
// 数据损坏或维度不兼容时返回错误，内存中的参数保持不变
// 加载的探索率被限制在 [EpsilonEnd, EpsilonStart]
func (l *Learner) Load(store ParameterStore) error {
	data, err := store.Load()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	var file policyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: corrupt policy data: %v", ErrPersistence, err)
	}
	if file.Version != policyFormatVersion {
		return fmt.Errorf("%w: unsupported policy version %d", ErrPersistence, file.Version)
	}
	if file.StateDim != l.stateDim || file.NumActions != l.numActions || file.HiddenSize != l.config.HiddenSize {
		return fmt.Errorf("%w: incompatible dimensions %dx%dx%d, want %dx%dx%d", ErrPersistence,
			file.StateDim, file.HiddenSize, file.NumActions, l.stateDim, l.config.HiddenSize, l.numActions)
	}
	if file.Online == nil || !file.Online.wellFormed(l.stateDim, l.config.HiddenSize, l.numActions) {
		return fmt.Errorf("%w: malformed parameters", ErrPersistence)
	}
	sum, err := paramsChecksum(file.Online)
	if err != nil || sum != file.Checksum {
		return fmt.Errorf("%w: checksum mismatch", ErrPersistence)
	}
	if file.Epsilon < 0 || file.Epsilon > 1 || file.Steps < 0 {
		return fmt.Errorf("%w: invalid learner state", ErrPersistence)
	}
	// 探索率限制在当前配置的衰减区间内
	epsilon := math.Min(math.Max(file.Epsilon, l.config.EpsilonEnd), l.config.EpsilonStart)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.online = file.Online
	l.target = file.Online.Clone()
	l.epsilon = epsilon
	l.steps = file.Steps
	return nil
}

// SaveFile 保存到文件
func (l *Learner) SaveFile(path string) error {
	return l.Save(FileStore{Path: path})
}

// LoadFile 从文件加载
func (l *Learner) LoadFile(path string) error {
	return l.Load(FileStore{Path: path})
}
