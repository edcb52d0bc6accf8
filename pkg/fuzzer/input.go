package fuzzer

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// PubkeySize 账户公钥长度
const PubkeySize = 32

// Pubkey 账户公钥
type Pubkey [PubkeySize]byte

// Hex 返回公钥的十六进制表示
func (p Pubkey) Hex() string {
	return hexutil.Encode(p[:])
}

// IsZero 检查公钥是否全零
func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

// AccountMeta 指令引用的账户及其权限标记
type AccountMeta struct {
	Pubkey     Pubkey `json:"pubkey"`
	IsSigner   bool   `json:"is_signer"`
	IsWritable bool   `json:"is_writable"`
}

// FuzzInput 一次提交给目标程序的候选指令
// 执行后视为不可变：变异总是产生新值，Parent/Lineage 记录来源
type FuzzInput struct {
	Selector        uint8         `json:"selector"`        // 指令选择器
	Payload         []byte        `json:"payload"`         // 指令数据
	Accounts        []AccountMeta `json:"accounts"`        // 账户列表（顺序有意义）
	Seeds           [][]byte      `json:"seeds,omitempty"` // PDA种子
	Interestingness float64       `json:"interestingness"` // [0,1]
	Parent          common.Hash   `json:"parent"`          // 父输入ID，零值表示新生成
	Lineage         []string      `json:"lineage,omitempty"`
}

// ID 输入内容指纹（不含评分与谱系）
func (in FuzzInput) ID() common.Hash {
	buf := make([]byte, 0, 1+len(in.Payload)+len(in.Accounts)*(PubkeySize+1)+8)
	buf = append(buf, in.Selector)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Payload)))
	buf = append(buf, in.Payload...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Accounts)))
	for _, acc := range in.Accounts {
		buf = append(buf, acc.Pubkey[:]...)
		var flags byte
		if acc.IsSigner {
			flags |= 1
		}
		if acc.IsWritable {
			flags |= 2
		}
		buf = append(buf, flags)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Seeds)))
	for _, seed := range in.Seeds {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(seed)))
		buf = append(buf, seed...)
	}
	return crypto.Keccak256Hash(buf)
}

// Clone 深拷贝输入
func (in FuzzInput) Clone() FuzzInput {
	out := FuzzInput{
		Selector:        in.Selector,
		Payload:         append([]byte{}, in.Payload...),
		Interestingness: in.Interestingness,
		Parent:          in.Parent,
	}
	if in.Accounts != nil {
		out.Accounts = append([]AccountMeta{}, in.Accounts...)
	}
	if in.Seeds != nil {
		out.Seeds = make([][]byte, len(in.Seeds))
		for i, seed := range in.Seeds {
			out.Seeds[i] = append([]byte{}, seed...)
		}
	}
	if in.Lineage != nil {
		out.Lineage = append([]string{}, in.Lineage...)
	}
	return out
}

// Derive 以当前输入为父节点生成子输入的副本，并追加谱系记录
func (in FuzzInput) Derive(step string) FuzzInput {
	child := in.Clone()
	child.Parent = in.ID()
	child.Lineage = append(child.Lineage, step)
	return child
}

// Valid 结构校验：兴趣分在[0,1]内，账户与种子均已定义
func (in FuzzInput) Valid() bool {
	if in.Interestingness < 0 || in.Interestingness > 1 {
		return false
	}
	for _, seed := range in.Seeds {
		if seed == nil {
			return false
		}
	}
	return in.Payload != nil
}

// PayloadHex 返回payload的十六进制表示，便于日志与报告
func (in FuzzInput) PayloadHex() string {
	return hexutil.Encode(in.Payload)
}
