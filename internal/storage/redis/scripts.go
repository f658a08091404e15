package redis

import "github.com/redis/go-redis/v9"

const (
	// upsertSessionScript writes a table snapshot and keeps the table sets current
	upsertSessionScript = `
local session_key = KEYS[1]     -- tabletime:session:{tableID}
local tables_set = KEYS[2]      -- tabletime:sessions
local active_set = KEYS[3]      -- tabletime:sessions:active

local table_id = ARGV[1]
local session_id = ARGV[2]
local status = ARGV[3]
local game_type = ARGV[4]
local updated_at = ARGV[5]
local data = ARGV[6]

redis.call('HSET', session_key,
  'table_id', table_id,
  'id', session_id,
  'status', status,
  'game_type', game_type,
  'updated_at', updated_at,
  'data', data
)
redis.call('SADD', tables_set, table_id)

-- Running and paused tables are live
if status == 'running' or status == 'paused' then
  redis.call('SADD', active_set, table_id)
else
  redis.call('SREM', active_set, table_id)
end

return 'OK'
`

	// saveBillScript atomically stores a bill and moves its time indexes
	saveBillScript = `
local bill_key = KEYS[1]        -- tabletime:bill:{id}
local bills_index = KEYS[2]     -- tabletime:bills
local table_index = KEYS[3]     -- tabletime:bills:table:{tableID}

local id = ARGV[1]
local table_id = ARGV[2]
local game_type = ARGV[3]
local closed_at = ARGV[4]
local score = tonumber(ARGV[5])
local total = ARGV[6]
local data = ARGV[7]
local ttl_seconds = tonumber(ARGV[8])
local table_prefix = ARGV[9]

-- A bill saved again may have been filed under another table
local previous_table = redis.call('HGET', bill_key, 'table_id')
if previous_table and previous_table ~= table_id then
  redis.call('ZREM', table_prefix .. previous_table, id)
end

redis.call('HSET', bill_key,
  'id', id,
  'table_id', table_id,
  'game_type', game_type,
  'closed_at', closed_at,
  'total', total,
  'data', data
)
redis.call('ZADD', bills_index, score, id)
redis.call('ZADD', table_index, score, id)

if ttl_seconds > 0 then
  redis.call('EXPIRE', bill_key, ttl_seconds)
else
  redis.call('PERSIST', bill_key)
end

return 'OK'
`

	// deleteBillScript removes a bill and both of its index entries
	deleteBillScript = `
local bill_key = KEYS[1]        -- tabletime:bill:{id}
local bills_index = KEYS[2]     -- tabletime:bills

local id = ARGV[1]
local table_prefix = ARGV[2]

local table_id = redis.call('HGET', bill_key, 'table_id')
if table_id then
  redis.call('ZREM', table_prefix .. table_id, id)
end
redis.call('ZREM', bills_index, id)
return redis.call('DEL', bill_key)
`
)

var (
	upsertSession = redis.NewScript(upsertSessionScript)
	saveBill      = redis.NewScript(saveBillScript)
	deleteBill    = redis.NewScript(deleteBillScript)
)
